package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/store"
)

// SweepResult reports one sweep pass.
type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Sweep finalizes every run still awaiting approval past its deadline.
func (p *Pipeline) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	runs, err := p.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusAwaitingApproval, Limit: 1000})
	if err != nil {
		return res, eris.Wrap(err, "pipeline: list awaiting runs")
	}

	for _, run := range runs {
		res.Checked++
		if run.ApprovalDeadline == nil || now.Before(*run.ApprovalDeadline) {
			continue
		}
		status, err := p.ExpireApproval(ctx, run.ID)
		if err != nil {
			if errors.Is(err, ErrRunTerminal) || errors.Is(err, ErrNotAwaitingApproval) {
				continue
			}
			return res, eris.Wrapf(err, "pipeline: expire run %s", run.ID)
		}
		switch status {
		case model.RunStatusCompleted:
			res.Completed++
		case model.RunStatusFailed:
			res.Failed++
		}
	}

	if res.Completed+res.Failed > 0 {
		zap.L().Info("pipeline: approval sweep finalized runs",
			zap.Int("checked", res.Checked),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}
