package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/backend"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/resilience"
)

// Stage names. They label logs, cost attribution and PipelineRun.CurrentStage.
const (
	StageTriage      = "triage"
	StageDependency  = "dependency"
	StageAuth        = "auth"
	StageInjection   = "injection"
	StageSecrets     = "secrets"
	StageFilter      = "filter"
	StageSynthesis   = "synthesis"
	StageApproval    = "approval"
	StageRemediation = "remediation"
)

// StageContext is the read-only input of one stage invocation.
type StageContext struct {
	RunID  string
	Code   string
	Triage *model.TriageResult
}

// StageSpec describes one record-producing analyzer stage.
type StageSpec struct {
	Name   string
	Prefix string

	// Category, when set, overrides whatever the backend reported.
	Category model.Category
	// DefaultCategory fills in records that arrive without one.
	DefaultCategory model.Category

	// NeedsTriage makes the stage a no-op when triage output is missing.
	NeedsTriage bool
	// Gate, when set, must return true for the backend to be called.
	Gate func(t *model.TriageResult) bool
	// Context selects the part of the triage output the prompt includes.
	Context func(t *model.TriageResult) any

	Prompt Prompt
}

// Executor runs stages against a backend.
type Executor struct {
	backend backend.Backend
	stage   resilience.RetryConfig
	long    resilience.RetryConfig
}

// NewExecutor creates an Executor. stage is the retry policy of triage,
// specialists and synthesis; long is used by the filter and remediation.
func NewExecutor(b backend.Backend, stage, long resilience.RetryConfig) *Executor {
	return &Executor{backend: b, stage: stage, long: long}
}

// Execute runs spec and returns its records. It never fails: a missing
// precondition, an exhausted retry budget or unparseable output all yield an
// empty result and a log line.
func (e *Executor) Execute(ctx context.Context, spec StageSpec, sc StageContext) []model.RawRecord {
	log := zap.L().With(zap.String("run_id", sc.RunID), zap.String("stage", spec.Name))

	if spec.NeedsTriage && sc.Triage == nil {
		log.Warn("pipeline: stage skipped, triage context missing")
		return []model.RawRecord{}
	}
	if spec.Gate != nil && !spec.Gate(sc.Triage) {
		log.Info("pipeline: stage gated off")
		return []model.RawRecord{}
	}

	vars := map[string]string{"code": sc.Code}
	if spec.Context != nil {
		vars["context"] = marshalPromptJSON(spec.Context(sc.Triage))
	}

	start := time.Now()
	text, err := e.Infer(ctx, sc.RunID, spec.Name, e.stage, spec.Prompt.System, spec.Prompt.Render(vars))
	if err != nil {
		log.Warn("pipeline: stage failed, contributing no records",
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
		return []model.RawRecord{}
	}

	items, err := parseList[wireRecord](text, "id", "title", "findingId")
	if err != nil {
		log.Warn("pipeline: stage output unparseable",
			zap.String("response_prefix", truncate(text, 300)),
			zap.Error(err),
		)
		return []model.RawRecord{}
	}

	ids := newIDAssigner(sc.RunID, spec.Name, spec.Prefix)
	records := make([]model.RawRecord, 0, len(items))
	for i, item := range items {
		r := item.toRawRecord(spec.Name)
		switch {
		case spec.Category != "":
			r.Category = spec.Category
		case r.Category == "" && spec.DefaultCategory != "":
			r.Category = spec.DefaultCategory
		case r.Category == "":
			r.Category = model.CategoryOther
		}
		r.ID = ids.assign(item.ID, i, r.Location.StartLine, r.Title)
		records = append(records, r)
	}

	log.Info("pipeline: stage complete",
		zap.Int("records", len(records)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return records
}

// Infer calls the backend under cfg, retrying every failure until the
// attempts run out.
func (e *Executor) Infer(ctx context.Context, runID, stage string, cfg resilience.RetryConfig, system, user string) (string, error) {
	cfg.ShouldRetry = resilience.Always
	cfg.OnRetry = resilience.RetryLogger(runID, stage)
	ctx = backend.WithStage(ctx, stage)
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		return e.backend.Infer(ctx, system, user)
	})
}

func marshalPromptJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
