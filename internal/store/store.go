// Package store persists pipeline runs and their outputs. Every write
// replaces the whole stored value for its run id.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/model"
)

// ErrNotFound is returned by GetRun for an unknown run id.
var ErrNotFound = eris.New("run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status        model.RunStatus `json:"status,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	UpdatedBefore time.Time       `json:"updated_before,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// Store is the durable state of the pipeline. The orchestrator is its only
// writer for any given run id.
type Store interface {
	// Runs
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	PutRun(ctx context.Context, run *model.PipelineRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Outputs. Get returns nil without error when nothing was stored yet.
	PutRecords(ctx context.Context, runID string, records []model.EnrichedRecord) error
	GetRecords(ctx context.Context, runID string) ([]model.EnrichedRecord, error)
	PutRemediations(ctx context.Context, runID string, remediations []model.RemediationRecord) error
	GetRemediations(ctx context.Context, runID string) ([]model.RemediationRecord, error)

	// Execution position
	PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(filter RunFilter) int {
	if filter.Limit <= 0 {
		return defaultListLimit
	}
	return filter.Limit
}
