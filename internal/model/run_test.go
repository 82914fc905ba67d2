package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusPending, RunStatusTriaging, true},
		{RunStatusTriaging, RunStatusAnalyzing, true},
		{RunStatusAnalyzing, RunStatusFiltering, true},
		{RunStatusFiltering, RunStatusAwaitingApproval, true},
		{RunStatusAwaitingApproval, RunStatusRemediating, true},
		{RunStatusAwaitingApproval, RunStatusCompleted, true},
		{RunStatusRemediating, RunStatusCompleted, true},
		{RunStatusAnalyzing, RunStatusAnalyzing, true},
		{RunStatusTriaging, RunStatusFailed, true},
		{RunStatusAwaitingApproval, RunStatusFailed, true},
		{RunStatusPending, RunStatusAnalyzing, false},
		{RunStatusFiltering, RunStatusCompleted, false},
		{RunStatusAnalyzing, RunStatusTriaging, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusCompleted, RunStatusCompleted, false},
		{RunStatusFailed, RunStatusTriaging, false},
		{RunStatus("bogus"), RunStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPipelineRun_TransitionTerminalImmutable(t *testing.T) {
	now := time.Now()
	run := &PipelineRun{ID: "r1", Status: RunStatusCompleted, CurrentStage: "done", UpdatedAt: now}

	err := run.Transition(RunStatusRemediating, "remediation", now.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, "done", run.CurrentStage)
	assert.Equal(t, now, run.UpdatedAt)
}

func TestPipelineRun_Transition(t *testing.T) {
	now := time.Now()
	run := &PipelineRun{ID: "r1", Status: RunStatusPending}
	require.NoError(t, run.Transition(RunStatusTriaging, "triage", now))
	assert.Equal(t, RunStatusTriaging, run.Status)
	assert.Equal(t, "triage", run.CurrentStage)
	assert.Equal(t, now, run.UpdatedAt)
}

func TestApprovalSignal_Proceeds(t *testing.T) {
	assert.False(t, ApprovalSignal{Approved: false, RecordIDs: []string{"a"}}.Proceeds())
	assert.False(t, ApprovalSignal{Approved: true}.Proceeds())
	assert.True(t, ApprovalSignal{Approved: true, RecordIDs: []string{"a"}}.Proceeds())
}
