// Package temporal drives review runs on a Temporal cluster. The workflow
// calls the same pipeline steps the local engine does, one activity each,
// and replaces the approval sweep with a durable timer.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/secpipe/internal/model"
)

// SignalApproval is the signal that carries an ApprovalSignal to a
// suspended review.
const SignalApproval = "approval"

// QueryDroppedApprovals reports how many approval signals arrived after the
// first one and were ignored.
const QueryDroppedApprovals = "dropped_approvals"

const defaultApprovalTimeout = 7 * 24 * time.Hour

// WorkflowInput starts a review.
type WorkflowInput struct {
	RunID           string        `json:"run_id"`
	ApprovalTimeout time.Duration `json:"approval_timeout"`
}

// ReviewWorkflow runs the analysis steps of one run, waits for an approval
// decision or the approval timeout, and remediates when approved. It returns
// the final run status.
func ReviewWorkflow(ctx workflow.Context, in WorkflowInput) (model.RunStatus, error) {
	log := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 20 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})

	dropped := 0
	if err := workflow.SetQueryHandler(ctx, QueryDroppedApprovals, func() (int, error) {
		return dropped, nil
	}); err != nil {
		return "", err
	}

	var a *Activities
	var status model.RunStatus
	for _, step := range []any{a.Triage, a.Analyze, a.Filter, a.Synthesize} {
		if err := workflow.ExecuteActivity(ctx, step, in.RunID).Get(ctx, &status); err != nil {
			return "", err
		}
		if status.IsTerminal() {
			log.Info("review: run ended before approval", "run_id", in.RunID, "status", string(status))
			return status, nil
		}
	}

	timeout := in.ApprovalTimeout
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	signal, received := awaitApproval(ctx, timeout)

	// Only the first decision counts; later ones are logged and counted.
	workflow.Go(ctx, func(ctx workflow.Context) {
		ch := workflow.GetSignalChannel(ctx, SignalApproval)
		for {
			var dup model.ApprovalSignal
			if !ch.Receive(ctx, &dup) {
				return
			}
			dropped++
			log.Warn("review: approval signal dropped", "run_id", in.RunID, "approved", dup.Approved)
		}
	})

	if !received {
		log.Info("review: approval wait expired", "run_id", in.RunID)
		err := workflow.ExecuteActivity(ctx, a.ExpireApproval, in.RunID).Get(ctx, &status)
		return status, err
	}

	if err := workflow.ExecuteActivity(ctx, a.ApplyApproval, in.RunID, signal).Get(ctx, &status); err != nil {
		return "", err
	}
	if status != model.RunStatusRemediating {
		return status, nil
	}
	err := workflow.ExecuteActivity(ctx, a.Remediate, in.RunID).Get(ctx, &status)
	return status, err
}

// awaitApproval blocks until the approval signal arrives or timeout passes.
func awaitApproval(ctx workflow.Context, timeout time.Duration) (model.ApprovalSignal, bool) {
	var signal model.ApprovalSignal
	received := false

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	sel := workflow.NewSelector(ctx)
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalApproval), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &signal)
		received = true
	})
	sel.AddFuture(workflow.NewTimer(timerCtx, timeout), func(workflow.Future) {})
	sel.Select(ctx)

	if signal.RecordIDs == nil {
		signal.RecordIDs = []string{}
	}
	return signal, received
}
