package model

import "time"

// Checkpoint is the durable execution position of a run. Each completed
// step fills in its field so a restarted process resumes after it.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	Triage    *TriageResult     `json:"triage,omitempty"`
	Merged    []RawRecord       `json:"merged,omitempty"`
	Analyzed  bool              `json:"analyzed"`
	TotalRaw  int               `json:"total_raw"`
	Records   []EnrichedRecord  `json:"records,omitempty"`
	Filtered  bool              `json:"filtered"`
	Summary   *SynthesisSummary `json:"summary,omitempty"`
	Approval  *ApprovalSignal   `json:"approval,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}
