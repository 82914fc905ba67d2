package pipeline

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/secpipe/internal/model"
)

// MergeKey identifies the same defect reported by different stages. Ref is
// the normalized CWE id, or the normalized title when there is none.
type MergeKey struct {
	StartLine int
	Ref       string
}

// KeyOf returns the merge key of r.
func KeyOf(r model.RawRecord) MergeKey {
	ref := normalizeCWE(r.CWEID)
	if ref == "" {
		ref = "title:" + strings.ToLower(strings.Join(strings.Fields(r.Title), " "))
	}
	return MergeKey{StartLine: r.Location.StartLine, Ref: ref}
}

// normalizeCWE maps "cwe-89", "CWE 89" and "89" to "CWE-89".
func normalizeCWE(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	digits := strings.TrimLeft(strings.TrimPrefix(s, "CWE"), "-_: ")
	if _, err := strconv.Atoi(digits); err == nil {
		return "CWE-" + digits
	}
	return s
}

// Merge combines the record sets of several stages into one, keeping one
// record per MergeKey. Among colliding records the lower severity rank wins
// and ties keep the first seen. Output order is the order keys were first
// seen. Ids are made unique across the merged set.
func Merge(sets [][]model.RawRecord) []model.RawRecord {
	index := make(map[MergeKey]int)
	merged := []model.RawRecord{}

	for _, set := range sets {
		for _, r := range set {
			key := KeyOf(r)
			i, seen := index[key]
			if !seen {
				index[key] = len(merged)
				merged = append(merged, r)
				continue
			}
			if r.Severity.Rank() < merged[i].Severity.Rank() {
				merged[i] = r
			}
		}
	}

	ids := newIDAssigner("", "", "")
	for i := range merged {
		merged[i].ID = ids.reserve(merged[i].ID)
	}
	return merged
}

var titleCaser = cases.Title(language.English)

// FallbackFromRiskAreas turns triage risk areas into records. It is used
// when every specialist came back empty but triage saw something.
func FallbackFromRiskAreas(t *model.TriageResult, code string) []model.RawRecord {
	if t == nil || len(t.RiskAreas) == 0 {
		return []model.RawRecord{}
	}

	lines := strings.Split(code, "\n")
	out := make([]model.RawRecord, 0, len(t.RiskAreas))
	for i, ra := range t.RiskAreas {
		start, end := 1, 1
		if len(ra.Locations) > 0 {
			if ra.Locations[0] > 0 {
				start = ra.Locations[0]
			}
			if last := ra.Locations[len(ra.Locations)-1]; last > 0 {
				end = last
			}
		}
		category := ra.Category
		if category == "" {
			category = model.CategoryOther
		}

		out = append(out, model.RawRecord{
			ID:          "triage-" + strconv.Itoa(i),
			Category:    category,
			Severity:    severityFromConfidence(ra.Confidence),
			Title:       titleCaser.String(string(category)) + " vulnerability detected",
			Description: ra.Reason,
			Location: model.Location{
				StartLine: start,
				EndLine:   end,
				Snippet:   sliceLines(lines, start, end),
			},
			Stage: StageTriage,
		})
	}
	return out
}

func severityFromConfidence(confidence string) model.Severity {
	switch strings.ToLower(confidence) {
	case "high":
		return model.SeverityCritical
	case "medium":
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// sliceLines returns lines start..end (1-based, inclusive), clamped.
func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
