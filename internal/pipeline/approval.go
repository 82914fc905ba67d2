package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

// ApplyApproval resumes a suspended run with an external decision and
// returns the resulting status. A decline or an empty id list completes the
// run without remediation; otherwise the approved confirmed records are
// tagged and the run moves to remediating.
func (p *Pipeline) ApplyApproval(ctx context.Context, runID string, signal model.ApprovalSignal) (model.RunStatus, error) {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return run.Status, eris.Wrapf(ErrNotAwaitingApproval, "run %s is %s", runID, run.Status)
	}

	cp.Approval = &signal
	if !signal.Proceeds() {
		if err := p.saveCheckpoint(ctx, cp); err != nil {
			return "", err
		}
		return p.complete(ctx, run, []model.RemediationRecord{})
	}

	now := p.now().UTC()
	approved := make(map[string]struct{}, len(signal.RecordIDs))
	for _, id := range signal.RecordIDs {
		approved[id] = struct{}{}
	}
	for i := range cp.Records {
		if _, ok := approved[cp.Records[i].ID]; ok && cp.Records[i].Confirmed {
			cp.Records[i].Approved = true
			cp.Records[i].ApprovedAt = &now
		}
	}
	if err := p.store.PutRecords(ctx, runID, cp.Records); err != nil {
		return "", eris.Wrap(err, "pipeline: persist approvals")
	}
	if err := p.saveCheckpoint(ctx, cp); err != nil {
		return "", err
	}
	if err := p.transition(ctx, run, model.RunStatusRemediating, StageRemediation); err != nil {
		return "", err
	}
	return run.Status, nil
}

// ClaimApproval records signal on a suspended run before it is delivered to
// the engine, so a second decision for the same wait is refused instead of
// being silently dropped.
func (p *Pipeline) ClaimApproval(ctx context.Context, runID string, signal model.ApprovalSignal) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return eris.Wrapf(ErrNotAwaitingApproval, "run %s is %s", runID, run.Status)
	}
	if cp.Approval != nil {
		return eris.Wrapf(ErrApprovalPending, "run %s", runID)
	}
	cp.Approval = &signal
	return p.saveCheckpoint(ctx, cp)
}

// ReleaseApproval clears a claim whose delivery failed. It is a no-op once
// the run has left the approval wait.
func (p *Pipeline) ReleaseApproval(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusAwaitingApproval || cp.Approval == nil {
		return nil
	}
	cp.Approval = nil
	return p.saveCheckpoint(ctx, cp)
}

// Remediate generates fixes for the approved records and completes the run.
// Exhausting the retry budget fails the run.
func (p *Pipeline) Remediate(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusRemediating || cp.Approval == nil {
		return eris.Wrapf(ErrNotRemediating, "run %s is %s", runID, run.Status)
	}

	approved := SelectApproved(cp.Records, cp.Approval.RecordIDs)
	rems, err := p.exec.Remediate(ctx, runID, run.Code, approved, p.now().UTC())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, run, err)
	}
	_, err = p.complete(ctx, run, rems)
	return err
}

// ExpireApproval finalizes a run whose approval wait timed out, following
// the configured policy.
func (p *Pipeline) ExpireApproval(ctx context.Context, runID string) (model.RunStatus, error) {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return run.Status, eris.Wrapf(ErrNotAwaitingApproval, "run %s is %s", runID, run.Status)
	}

	zap.L().Info("pipeline: approval wait expired",
		zap.String("run_id", runID),
		zap.String("policy", p.cfg.ApprovalTimeoutPolicy),
	)
	if p.cfg.ApprovalTimeoutPolicy == TimeoutPolicyFail {
		run.Error = "approval timed out"
		if err := p.transition(ctx, run, model.RunStatusFailed, StageApproval); err != nil {
			return "", err
		}
		return run.Status, nil
	}

	cp.Approval = &model.ApprovalSignal{Approved: false, RecordIDs: []string{}}
	if err := p.saveCheckpoint(ctx, cp); err != nil {
		return "", err
	}
	return p.complete(ctx, run, []model.RemediationRecord{})
}

func (p *Pipeline) complete(ctx context.Context, run *model.PipelineRun, rems []model.RemediationRecord) (model.RunStatus, error) {
	if err := p.store.PutRemediations(ctx, run.ID, rems); err != nil {
		return "", eris.Wrap(err, "pipeline: persist remediations")
	}
	if err := p.transition(ctx, run, model.RunStatusCompleted, ""); err != nil {
		return "", err
	}
	return run.Status, nil
}
