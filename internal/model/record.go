// Package model defines the records, runs and checkpoints shared by every
// stage of the review pipeline.
package model

import "strings"

// Category classifies a finding.
type Category string

const (
	CategoryInjection     Category = "injection"
	CategoryAuth          Category = "auth"
	CategorySecrets       Category = "secrets"
	CategoryDependency    Category = "dependency"
	CategoryXSS           Category = "xss"
	CategorySSRF          Category = "ssrf"
	CategoryPathTraversal Category = "path_traversal"
	CategoryCrypto        Category = "crypto"
	CategoryOther         Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryInjection, CategoryAuth, CategorySecrets, CategoryDependency,
	CategoryXSS, CategorySSRF, CategoryPathTraversal, CategoryCrypto, CategoryOther,
}

// ParseCategory normalizes s, mapping unknown values to CategoryOther.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryInjection, CategoryAuth, CategorySecrets, CategoryDependency,
		CategoryXSS, CategorySSRF, CategoryPathTraversal, CategoryCrypto, CategoryOther:
		return c
	case "sqli", "sql_injection", "command_injection":
		return CategoryInjection
	case "secret", "credentials":
		return CategorySecrets
	case "path-traversal":
		return CategoryPathTraversal
	case "":
		return ""
	default:
		return CategoryOther
	}
}

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank orders severities: critical is 1, info and unknown values are 5.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	default:
		return 5
	}
}

// ParseSeverity normalizes s. Unknown values become SeverityMedium.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sev
	case "informational", "note":
		return SeverityInfo
	default:
		return SeverityMedium
	}
}

// Location is a line span in the submitted artifact.
type Location struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Snippet   string `json:"snippet"`
}

// RawRecord is a finding as produced by one analyzer stage. It is never
// modified after the stage returns it.
type RawRecord struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	Severity      Severity `json:"severity"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Location      Location `json:"location"`
	CWEID         string   `json:"cwe_id,omitempty"`
	OWASPCategory string   `json:"owasp_category,omitempty"`
	Stage         string   `json:"stage,omitempty"`
}
