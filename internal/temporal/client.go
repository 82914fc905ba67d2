package temporal

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/pipeline"
)

// Dial connects to the cluster in cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{l: zap.L().Sugar().With("component", "temporal")},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "temporal: dial %s", cfg.HostPort)
	}
	return c, nil
}

// NewWorker creates a worker hosting ReviewWorkflow and the pipeline
// activities on taskQueue.
func NewWorker(c client.Client, taskQueue string, p *pipeline.Pipeline) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ReviewWorkflow)
	w.RegisterActivity(NewActivities(p))
	return w
}

// WorkflowID is the workflow id of a run's review.
func WorkflowID(runID string) string {
	return "review-" + runID
}

// Runner implements pipeline.Runner by starting and signalling workflows.
type Runner struct {
	c               client.Client
	taskQueue       string
	approvalTimeout time.Duration
}

// NewRunner creates a Runner.
func NewRunner(c client.Client, taskQueue string, approvalTimeout time.Duration) *Runner {
	return &Runner{c: c, taskQueue: taskQueue, approvalTimeout: approvalTimeout}
}

func (r *Runner) Handle(runID string) string {
	return "temporal:" + WorkflowID(runID)
}

// Start starts the review workflow. Starting a run whose workflow is still
// open attaches to it.
func (r *Runner) Start(ctx context.Context, runID string) error {
	run, err := r.c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(runID),
		TaskQueue: r.taskQueue,
	}, ReviewWorkflow, WorkflowInput{RunID: runID, ApprovalTimeout: r.approvalTimeout})
	if err != nil {
		return eris.Wrapf(err, "temporal: start review %s", runID)
	}
	zap.L().Info("temporal: review started",
		zap.String("run_id", runID),
		zap.String("workflow_id", run.GetID()),
		zap.String("workflow_run_id", run.GetRunID()),
	)
	return nil
}

// Signal sends the approval decision to the run's workflow.
func (r *Runner) Signal(ctx context.Context, runID string, signal model.ApprovalSignal) error {
	if err := r.c.SignalWorkflow(ctx, WorkflowID(runID), "", SignalApproval, signal); err != nil {
		return eris.Wrapf(err, "temporal: signal review %s", runID)
	}
	return nil
}

// zapLogger adapts zap to the SDK's key-value logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Debug(msg string, keyvals ...interface{}) { z.l.Debugw(msg, keyvals...) }
func (z zapLogger) Info(msg string, keyvals ...interface{})  { z.l.Infow(msg, keyvals...) }
func (z zapLogger) Warn(msg string, keyvals ...interface{})  { z.l.Warnw(msg, keyvals...) }
func (z zapLogger) Error(msg string, keyvals ...interface{}) { z.l.Errorw(msg, keyvals...) }
