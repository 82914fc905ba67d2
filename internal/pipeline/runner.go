package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

// Runner executes runs on some engine. Start must return once the run is
// scheduled; Signal delivers an approval decision to a suspended run.
type Runner interface {
	// Handle returns the external reference recorded on a new run.
	Handle(runID string) string
	Start(ctx context.Context, runID string) error
	Signal(ctx context.Context, runID string, signal model.ApprovalSignal) error
}

// LocalRunner executes runs in goroutines of the current process. The
// durable checkpoint plus Recover on startup stands in for an external
// workflow engine.
type LocalRunner struct {
	p    *Pipeline
	base context.Context
	wg   sync.WaitGroup
}

// NewLocalRunner creates a LocalRunner. Work it starts is cancelled when
// base is.
func NewLocalRunner(base context.Context, p *Pipeline) *LocalRunner {
	return &LocalRunner{p: p, base: base}
}

func (r *LocalRunner) Handle(runID string) string {
	return "local:" + runID
}

// Start runs every pending step of runID in the background.
func (r *LocalRunner) Start(_ context.Context, runID string) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.p.Execute(r.base, runID); err != nil {
			zap.L().Error("pipeline: run stopped", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return nil
}

// Signal applies the decision synchronously and schedules remediation when
// the run moved to remediating.
func (r *LocalRunner) Signal(ctx context.Context, runID string, signal model.ApprovalSignal) error {
	status, err := r.p.ApplyApproval(ctx, runID, signal)
	if err != nil {
		return err
	}
	if status == model.RunStatusRemediating {
		return r.Start(ctx, runID)
	}
	return nil
}

// Wait blocks until every started run has stopped.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}
