package temporal

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/pipeline"
)

// Activities wraps the pipeline steps. Each returns the run status after
// the step so the workflow can stop once the run is terminal.
type Activities struct {
	p *pipeline.Pipeline
}

// NewActivities creates Activities bound to p.
func NewActivities(p *pipeline.Pipeline) *Activities {
	return &Activities{p: p}
}

func (a *Activities) Triage(ctx context.Context, runID string) (model.RunStatus, error) {
	return a.step(ctx, runID, a.p.Triage(ctx, runID))
}

func (a *Activities) Analyze(ctx context.Context, runID string) (model.RunStatus, error) {
	return a.step(ctx, runID, a.p.Analyze(ctx, runID))
}

func (a *Activities) Filter(ctx context.Context, runID string) (model.RunStatus, error) {
	return a.step(ctx, runID, a.p.Filter(ctx, runID))
}

func (a *Activities) Synthesize(ctx context.Context, runID string) (model.RunStatus, error) {
	return a.step(ctx, runID, a.p.Synthesize(ctx, runID))
}

func (a *Activities) Remediate(ctx context.Context, runID string) (model.RunStatus, error) {
	err := a.p.Remediate(ctx, runID)
	if errors.Is(err, pipeline.ErrNotRemediating) {
		err = nil
	}
	return a.step(ctx, runID, err)
}

// ApplyApproval delivers the decision. A run that can no longer take one
// reports its current status instead of failing the activity.
func (a *Activities) ApplyApproval(ctx context.Context, runID string, signal model.ApprovalSignal) (model.RunStatus, error) {
	_, err := a.p.ApplyApproval(ctx, runID, signal)
	if errors.Is(err, pipeline.ErrNotAwaitingApproval) {
		err = nil
	}
	return a.step(ctx, runID, err)
}

// ExpireApproval applies the approval timeout policy.
func (a *Activities) ExpireApproval(ctx context.Context, runID string) (model.RunStatus, error) {
	_, err := a.p.ExpireApproval(ctx, runID)
	if errors.Is(err, pipeline.ErrNotAwaitingApproval) {
		err = nil
	}
	return a.step(ctx, runID, err)
}

// step reports the status after a pipeline step. A failure the pipeline
// already recorded on the run, or a refusal because the run is terminal, is
// not an activity error; anything else is returned for Temporal to retry.
func (a *Activities) step(ctx context.Context, runID string, stepErr error) (model.RunStatus, error) {
	run, err := a.p.Store().GetRun(ctx, runID)
	if err != nil {
		return "", eris.Wrapf(err, "temporal: load run %s", runID)
	}
	if stepErr != nil && !errors.Is(stepErr, pipeline.ErrRunTerminal) && !run.Status.IsTerminal() {
		return run.Status, stepErr
	}
	return run.Status, nil
}
