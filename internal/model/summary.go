package model

import "math"

// SynthesisSummary aggregates the confirmed records of one run.
type SynthesisSummary struct {
	TotalRaw         int              `json:"total_raw"`
	TotalConfirmed   int              `json:"total_confirmed"`
	ReductionPercent float64          `json:"reduction_percent"`
	CountsBySeverity map[Severity]int `json:"counts_by_severity"`
	CountsByCategory map[Category]int `json:"counts_by_category"`
	TopRisks         []string         `json:"top_risks"`
	Narrative        string           `json:"narrative"`
}

// ReductionPercent is the share of raw findings the filter removed, rounded
// to one decimal. It is 0 when there were no raw findings.
func ReductionPercent(totalRaw, totalConfirmed int) float64 {
	if totalRaw <= 0 {
		return 0
	}
	return math.Round(float64(totalRaw-totalConfirmed)/float64(totalRaw)*1000) / 10
}

// ZeroSeverityCounts returns a map with every severity set to 0.
func ZeroSeverityCounts() map[Severity]int {
	m := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		m[s] = 0
	}
	return m
}

// ZeroCategoryCounts returns a map with every category set to 0.
func ZeroCategoryCounts() map[Category]int {
	m := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		m[c] = 0
	}
	return m
}

// CountRecords tallies records by severity and category, zero-filled.
func CountRecords(records []EnrichedRecord) (map[Severity]int, map[Category]int) {
	bySev, byCat := ZeroSeverityCounts(), ZeroCategoryCounts()
	for _, r := range records {
		bySev[r.Severity]++
		byCat[r.Category]++
	}
	return bySev, byCat
}
