package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusTriaging         RunStatus = "triaging"
	RunStatusAnalyzing        RunStatus = "analyzing"
	RunStatusFiltering        RunStatus = "filtering"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusRemediating      RunStatus = "remediating"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
)

// IsTerminal reports whether no further transition is accepted.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the forward moves out of each state. Every non-terminal
// state may also re-enter itself and move to failed.
var transitions = map[RunStatus][]RunStatus{
	RunStatusPending:          {RunStatusTriaging},
	RunStatusTriaging:         {RunStatusAnalyzing},
	RunStatusAnalyzing:        {RunStatusFiltering},
	RunStatusFiltering:        {RunStatusAwaitingApproval},
	RunStatusAwaitingApproval: {RunStatusRemediating, RunStatusCompleted},
	RunStatusRemediating:      {RunStatusCompleted},
	RunStatusCompleted:        nil,
	RunStatusFailed:           nil,
}

// ErrInvalidTransition is returned for a move the state table forbids.
var ErrInvalidTransition = eris.New("invalid run status transition")

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to == RunStatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PipelineRun is the root aggregate of one review.
type PipelineRun struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id,omitempty"`
	Language          string     `json:"language,omitempty"`
	Code              string     `json:"code"`
	Status            RunStatus  `json:"status"`
	CurrentStage      string     `json:"current_stage"`
	TotalRaw          int        `json:"total_raw"`
	TotalConfirmed    int        `json:"total_confirmed"`
	ReductionPercent  float64    `json:"reduction_percent"`
	ExternalRunHandle string     `json:"external_run_handle,omitempty"`
	ApprovalDeadline  *time.Time `json:"approval_deadline,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Transition moves the run to status at now, recording stage. It refuses
// moves the state table forbids, including any move out of a terminal state.
func (r *PipelineRun) Transition(to RunStatus, stage string, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", r.Status, to)
	}
	r.Status = to
	r.CurrentStage = stage
	r.UpdatedAt = now
	return nil
}

// ApprovalSignal is the external decision that resumes a suspended run.
type ApprovalSignal struct {
	Approved  bool     `json:"approved"`
	RecordIDs []string `json:"record_ids"`
}

// Proceeds reports whether the signal leads to remediation.
func (s ApprovalSignal) Proceeds() bool {
	return s.Approved && len(s.RecordIDs) > 0
}
