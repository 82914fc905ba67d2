package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/secpipe/internal/backend"
	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/resilience"
	"github.com/sells-group/secpipe/internal/store"
)

var (
	// ErrRunTerminal is returned by every step once a run has completed or failed.
	ErrRunTerminal = eris.New("run is terminal")
	// ErrNotAwaitingApproval is returned when an approval or expiry reaches a
	// run that is not suspended.
	ErrNotAwaitingApproval = eris.New("run is not awaiting approval")
	// ErrApprovalPending is returned when a decision was already submitted
	// for a suspended run and is still being applied.
	ErrApprovalPending = eris.New("approval already submitted")
	// ErrNotRemediating is returned when Remediate runs out of order.
	ErrNotRemediating = eris.New("run is not remediating")
)

// Timeout policies for runs left waiting past their approval deadline.
const (
	TimeoutPolicyComplete = "complete"
	TimeoutPolicyFail     = "fail"
)

// Notifier is told about every persisted status change.
type Notifier interface {
	RunChanged(ctx context.Context, run model.PipelineRun)
}

type nopNotifier struct{}

func (nopNotifier) RunChanged(context.Context, model.PipelineRun) {}

// Pipeline is the review state machine. Each step method reads the run and
// its checkpoint, does one unit of work, and persists before returning, so
// any engine can drive the steps and a restart resumes after the last one.
type Pipeline struct {
	store    store.Store
	exec     *Executor
	notifier Notifier
	cfg      config.PipelineConfig
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*runLock
}

// runLock is dropped from Pipeline.locks once nobody holds or waits on it.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Pipeline. A nil notifier discards events.
func New(st store.Store, b backend.Backend, n Notifier, cfg config.PipelineConfig) *Pipeline {
	if n == nil {
		n = nopNotifier{}
	}
	stage := resilience.FromRetryConfig(cfg.StageAttempts, cfg.StageInitialBackoffMs, cfg.StageMaxBackoffMs, cfg.StageTimeoutSecs)
	long := resilience.FromRetryConfig(cfg.StageAttempts, cfg.StageInitialBackoffMs, cfg.StageMaxBackoffMs, cfg.FilterTimeoutSecs)
	return &Pipeline{
		store:    st,
		exec:     NewExecutor(b, stage, long),
		notifier: n,
		cfg:      cfg,
		now:      time.Now,
		locks:    make(map[string]*runLock),
	}
}

// Store returns the underlying store.
func (p *Pipeline) Store() store.Store { return p.store }

// Config returns the pipeline configuration.
func (p *Pipeline) Config() config.PipelineConfig { return p.cfg }

// lock serializes writers of one run inside this process.
func (p *Pipeline) lock(runID string) func() {
	p.locksMu.Lock()
	l, ok := p.locks[runID]
	if !ok {
		l = &runLock{}
		p.locks[runID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, runID)
		}
		p.locksMu.Unlock()
	}
}

// CreateRun persists a new pending run.
func (p *Pipeline) CreateRun(ctx context.Context, code, language, userID string, handle func(runID string) string) (*model.PipelineRun, error) {
	now := p.now().UTC()
	run := &model.PipelineRun{
		ID:        uuid.NewString(),
		UserID:    userID,
		Language:  language,
		Code:      code,
		Status:    model.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if handle != nil {
		run.ExternalRunHandle = handle(run.ID)
	}
	if err := p.store.PutRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	p.notifier.RunChanged(ctx, *run)
	zap.L().Info("pipeline: run created",
		zap.String("run_id", run.ID),
		zap.String("user_id", userID),
		zap.Int("code_chars", len(code)),
	)
	return run, nil
}

func (p *Pipeline) load(ctx context.Context, runID string) (*model.PipelineRun, *model.Checkpoint, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	cp, err := p.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: load checkpoint")
	}
	if cp == nil {
		cp = &model.Checkpoint{RunID: runID}
	}
	return run, cp, nil
}

// loadActive is load for steps that must not touch a finished run.
func (p *Pipeline) loadActive(ctx context.Context, runID string) (*model.PipelineRun, *model.Checkpoint, error) {
	run, cp, err := p.load(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil, eris.Wrapf(ErrRunTerminal, "run %s is %s", runID, run.Status)
	}
	return run, cp, nil
}

func (p *Pipeline) transition(ctx context.Context, run *model.PipelineRun, to model.RunStatus, stage string) error {
	if err := run.Transition(to, stage, p.now().UTC()); err != nil {
		return err
	}
	if err := p.store.PutRun(ctx, run); err != nil {
		return eris.Wrapf(err, "pipeline: persist status %s", to)
	}
	p.notifier.RunChanged(ctx, *run)
	zap.L().Info("pipeline: status changed",
		zap.String("run_id", run.ID),
		zap.String("status", string(to)),
		zap.String("stage", stage),
	)
	return nil
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	cp.UpdatedAt = p.now().UTC()
	return eris.Wrap(p.store.PutCheckpoint(ctx, cp), "pipeline: save checkpoint")
}

// fail moves run to failed. The original cause is returned wrapped.
func (p *Pipeline) fail(ctx context.Context, run *model.PipelineRun, cause error) error {
	zap.L().Error("pipeline: run failed",
		zap.String("run_id", run.ID),
		zap.String("stage", run.CurrentStage),
		zap.Error(cause),
	)
	run.Error = cause.Error()
	if err := p.transition(ctx, run, model.RunStatusFailed, run.CurrentStage); err != nil {
		return eris.Wrapf(err, "pipeline: record failure (%v)", cause)
	}
	return cause
}

// Triage runs the triage stage. Exhausting its retries fails the run.
func (p *Pipeline) Triage(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Triage != nil {
		return nil
	}

	if err := p.transition(ctx, run, model.RunStatusTriaging, StageTriage); err != nil {
		return err
	}
	triage, err := p.exec.Triage(ctx, runID, run.Code)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, run, err)
	}

	cp.Triage = triage
	if err := p.saveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if run.Language == "" && triage.Language != "" {
		run.Language = triage.Language
		if err := p.store.PutRun(ctx, run); err != nil {
			return eris.Wrap(err, "pipeline: persist language")
		}
	}
	return nil
}

// Analyze fans the specialists out concurrently and merges what they
// report. A specialist that fails contributes nothing.
func (p *Pipeline) Analyze(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Analyzed {
		return nil
	}

	if err := p.transition(ctx, run, model.RunStatusAnalyzing, "specialists"); err != nil {
		return err
	}

	specs := Specialists()
	sc := StageContext{RunID: runID, Code: run.Code, Triage: cp.Triage}
	sets := make([][]model.RawRecord, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		g.Go(func() error {
			sets[i] = p.exec.Execute(gctx, spec, sc)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	total := 0
	for _, s := range sets {
		total += len(s)
	}
	merged := Merge(sets)
	if len(merged) == 0 && cp.Triage != nil && len(cp.Triage.RiskAreas) > 0 {
		merged = FallbackFromRiskAreas(cp.Triage, run.Code)
		zap.L().Info("pipeline: specialists found nothing, using triage risk areas",
			zap.String("run_id", runID),
			zap.Int("records", len(merged)),
		)
	}
	zap.L().Info("pipeline: analysis merged",
		zap.String("run_id", runID),
		zap.Int("reported", total),
		zap.Int("merged", len(merged)),
	)

	cp.Merged = merged
	cp.TotalRaw = len(merged)
	cp.Analyzed = true
	return p.saveCheckpoint(ctx, cp)
}

// Filter runs the validity filter over the merged records.
func (p *Pipeline) Filter(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if cp.Filtered {
		return nil
	}

	if err := p.transition(ctx, run, model.RunStatusFiltering, StageFilter); err != nil {
		return err
	}
	var flow model.FlowMap
	if cp.Triage != nil {
		flow = cp.Triage.FlowMap
	}
	records := p.exec.Filter(ctx, runID, run.Code, cp.Merged, flow)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	cp.Records = records
	cp.Filtered = true
	return p.saveCheckpoint(ctx, cp)
}

// Synthesize summarizes the run, persists records and stats, and suspends
// the run awaiting approval.
func (p *Pipeline) Synthesize(ctx context.Context, runID string) error {
	defer p.lock(runID)()
	run, cp, err := p.loadActive(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == model.RunStatusAwaitingApproval {
		return nil
	}

	if cp.Summary == nil {
		if err := p.transition(ctx, run, model.RunStatusFiltering, StageSynthesis); err != nil {
			return err
		}
		summary := p.exec.Synthesize(ctx, runID, cp.TotalRaw, cp.Records)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cp.Summary = &summary
		if err := p.saveCheckpoint(ctx, cp); err != nil {
			return err
		}
	}

	records := cp.Records
	if records == nil {
		records = []model.EnrichedRecord{}
	}
	if err := p.store.PutRecords(ctx, runID, records); err != nil {
		return eris.Wrap(err, "pipeline: persist records")
	}

	deadline := p.now().UTC().Add(p.cfg.ApprovalTimeout())
	run.TotalRaw = cp.Summary.TotalRaw
	run.TotalConfirmed = cp.Summary.TotalConfirmed
	run.ReductionPercent = cp.Summary.ReductionPercent
	run.ApprovalDeadline = &deadline
	return p.transition(ctx, run, model.RunStatusAwaitingApproval, StageApproval)
}

// Execute drives a run through every step it still needs, stopping when it
// suspends for approval or reaches a terminal state.
func (p *Pipeline) Execute(ctx context.Context, runID string) error {
	for {
		run, cp, err := p.load(ctx, runID)
		if err != nil {
			return err
		}

		switch {
		case run.Status.IsTerminal(), run.Status == model.RunStatusAwaitingApproval:
			return nil
		case run.Status == model.RunStatusRemediating:
			err = p.Remediate(ctx, runID)
		case cp.Triage == nil:
			err = p.Triage(ctx, runID)
		case !cp.Analyzed:
			err = p.Analyze(ctx, runID)
		case !cp.Filtered:
			err = p.Filter(ctx, runID)
		default:
			err = p.Synthesize(ctx, runID)
		}
		if err != nil {
			if errors.Is(err, ErrRunTerminal) {
				return nil
			}
			return err
		}
	}
}

// resumable lists the statuses Recover restarts.
var resumable = []model.RunStatus{
	model.RunStatusPending,
	model.RunStatusTriaging,
	model.RunStatusAnalyzing,
	model.RunStatusFiltering,
	model.RunStatusRemediating,
}

// Recover restarts every run a previous process left in flight. Runs
// awaiting approval stay suspended.
func (p *Pipeline) Recover(ctx context.Context, runner Runner) (int, error) {
	started := 0
	for _, status := range resumable {
		runs, err := p.store.ListRuns(ctx, store.RunFilter{Status: status, Limit: 1000})
		if err != nil {
			return started, eris.Wrapf(err, "pipeline: list %s runs", status)
		}
		for _, run := range runs {
			if err := runner.Start(ctx, run.ID); err != nil {
				zap.L().Warn("pipeline: recover run failed", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			started++
		}
	}
	if started > 0 {
		zap.L().Info("pipeline: recovered in-flight runs", zap.Int("count", started))
	}
	return started, nil
}
