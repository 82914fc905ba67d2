package model

import "time"

// DiffHunk is one replaced span.
type DiffHunk struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Original  string `json:"original"`
	Fixed     string `json:"fixed"`
}

// RemediationRecord is a proposed fix for one approved record.
type RemediationRecord struct {
	ID              string     `json:"id"`
	RecordID        string     `json:"record_id"`
	RunID           string     `json:"run_id"`
	OriginalSnippet string     `json:"original_snippet"`
	FixedSnippet    string     `json:"fixed_snippet"`
	Explanation     string     `json:"explanation"`
	DiffHunks       []DiffHunk `json:"diff_hunks"`
	CreatedAt       time.Time  `json:"created_at"`
}
