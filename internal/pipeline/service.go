package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/store"
)

// ErrRunNotFound is returned by queries for an unknown run id.
var ErrRunNotFound = store.ErrNotFound

// charsPerToken is the rough token estimate used by the size guard.
const charsPerToken = 4

// Rejection codes.
const (
	RejectInvalid        = "invalid_request"
	RejectTooLarge       = "code_too_large"
	RejectContextOverrun = "token_budget_exceeded"
)

// SubmitRequest is a new review.
type SubmitRequest struct {
	Code     string `json:"code" validate:"required"`
	Language string `json:"language,omitempty" validate:"omitempty,max=64"`
	UserID   string `json:"-" validate:"omitempty,max=256"`
}

// SubmitResult identifies an accepted review.
type SubmitResult struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

// Rejection is a submission refused before any backend call. Limit and
// Actual are in Unit.
type Rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Limit   int    `json:"limit,omitempty"`
	Actual  int    `json:"actual,omitempty"`
	Unit    string `json:"unit,omitempty"`
}

// Stats are the headline numbers of a run.
type Stats struct {
	Raw              int     `json:"raw"`
	Confirmed        int     `json:"confirmed"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// StatusResult answers a status query.
type StatusResult struct {
	RunID            string          `json:"run_id"`
	UserID           string          `json:"user_id,omitempty"`
	Status           model.RunStatus `json:"status"`
	CurrentStage     string          `json:"current_stage,omitempty"`
	Stats            Stats           `json:"stats"`
	Error            string          `json:"error,omitempty"`
	ApprovalDeadline *time.Time      `json:"approval_deadline,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RecordsResult answers a records query.
type RecordsResult struct {
	RunID   string                  `json:"run_id"`
	Status  model.RunStatus         `json:"status"`
	Stats   Stats                   `json:"stats"`
	Summary *model.SynthesisSummary `json:"summary,omitempty"`
	Records []model.EnrichedRecord  `json:"records"`
}

// ApproveRequest is an approval decision. Decline completes the run without
// remediation.
type ApproveRequest struct {
	RunID     string   `json:"run_id" validate:"required"`
	RecordIDs []string `json:"record_ids" validate:"dive,required"`
	Decline   bool     `json:"decline,omitempty"`
}

// ApprovalResult reports whether a decision was taken.
type ApprovalResult struct {
	Accepted bool            `json:"accepted"`
	Status   model.RunStatus `json:"status,omitempty"`
	Message  string          `json:"message"`
}

// Comparison is the change in confirmed records between two runs.
type Comparison struct {
	BaseRunID string                 `json:"base_run_id"`
	HeadRunID string                 `json:"head_run_id"`
	BaseCount int                    `json:"base_count"`
	HeadCount int                    `json:"head_count"`
	Delta     int                    `json:"delta"`
	New       []model.EnrichedRecord `json:"new"`
	Fixed     []model.EnrichedRecord `json:"fixed"`
}

// Service is the transport-independent API over the pipeline.
type Service struct {
	p        *Pipeline
	runner   Runner
	validate *validator.Validate
}

// NewService creates a Service that schedules work on runner.
func NewService(p *Pipeline, runner Runner) *Service {
	return &Service{p: p, runner: runner, validate: validator.New()}
}

// Guard checks a submission against the size limits.
func (s *Service) Guard(code string) *Rejection {
	cfg := s.p.cfg
	chars := len([]rune(code))
	tokens := (chars + charsPerToken - 1) / charsPerToken

	if chars > cfg.MaxCodeChars {
		return &Rejection{
			Error: RejectTooLarge,
			Message: fmt.Sprintf("code size (%d chars, ~%d tokens) exceeds the maximum of %d characters; split the input into smaller reviews",
				chars, tokens, cfg.MaxCodeChars),
			Limit:  cfg.MaxCodeChars,
			Actual: chars,
			Unit:   "characters",
		}
	}
	if limit := cfg.TokenBudget - cfg.PromptOverheadTokens; tokens > limit {
		return &Rejection{
			Error: RejectContextOverrun,
			Message: fmt.Sprintf("estimated tokens (~%d) plus prompt overhead (~%d) exceed the budget of %d; reduce the code size",
				tokens, cfg.PromptOverheadTokens, cfg.TokenBudget),
			Limit:  limit,
			Actual: tokens,
			Unit:   "tokens",
		}
	}
	return nil
}

// Submit validates and size-checks req, creates the run and starts it.
// Exactly one of the result and the rejection is non-nil when err is nil.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, *Rejection, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &Rejection{Error: RejectInvalid, Message: validationMessage(err)}, nil
	}
	if rej := s.Guard(req.Code); rej != nil {
		zap.L().Info("pipeline: submission rejected",
			zap.String("reason", rej.Error),
			zap.Int("actual", rej.Actual),
			zap.Int("limit", rej.Limit),
		)
		return nil, rej, nil
	}

	run, err := s.p.CreateRun(ctx, req.Code, req.Language, req.UserID, s.runner.Handle)
	if err != nil {
		return nil, nil, err
	}
	if err := s.runner.Start(ctx, run.ID); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: start run")
	}
	return &SubmitResult{RunID: run.ID, Status: run.Status}, nil, nil
}

// Status returns the state and stats of a run.
func (s *Service) Status(ctx context.Context, runID string) (*StatusResult, error) {
	run, err := s.p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		RunID:            run.ID,
		UserID:           run.UserID,
		Status:           run.Status,
		CurrentStage:     run.CurrentStage,
		Stats:            statsOf(run),
		Error:            run.Error,
		ApprovalDeadline: run.ApprovalDeadline,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}, nil
}

// Records returns a run's records, most severe first. Unconfirmed records
// are included only on request.
func (s *Service) Records(ctx context.Context, runID string, includeUnconfirmed bool) (*RecordsResult, error) {
	run, err := s.p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := s.p.store.GetRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !includeUnconfirmed {
		records = model.ConfirmedOnly(records)
	}
	if records == nil {
		records = []model.EnrichedRecord{}
	}
	SortBySeverity(records)

	res := &RecordsResult{RunID: runID, Status: run.Status, Stats: statsOf(run), Records: records}
	if cp, err := s.p.store.GetCheckpoint(ctx, runID); err == nil && cp != nil {
		res.Summary = cp.Summary
	}
	return res, nil
}

// Approve delivers an approval decision. Terminal runs ignore it and runs
// not yet suspended reject it; both are reported, not returned as errors.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*ApprovalResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return &ApprovalResult{Accepted: false, Message: validationMessage(err)}, nil
	}
	run, err := s.p.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if res := approvalGate(run); res != nil {
		return res, nil
	}

	signal := model.ApprovalSignal{Approved: !req.Decline, RecordIDs: req.RecordIDs}
	if signal.RecordIDs == nil {
		signal.RecordIDs = []string{}
	}
	if err := s.p.ClaimApproval(ctx, req.RunID, signal); err != nil {
		if errors.Is(err, ErrApprovalPending) {
			return &ApprovalResult{
				Accepted: false,
				Status:   run.Status,
				Message:  "a decision for this run was already submitted",
			}, nil
		}
		if errors.Is(err, ErrRunTerminal) || errors.Is(err, ErrNotAwaitingApproval) {
			latest, gerr := s.p.store.GetRun(ctx, req.RunID)
			if gerr != nil {
				return nil, gerr
			}
			if res := approvalGate(latest); res != nil {
				return res, nil
			}
		}
		return nil, eris.Wrap(err, "pipeline: claim approval")
	}
	if err := s.runner.Signal(ctx, req.RunID, signal); err != nil {
		if rerr := s.p.ReleaseApproval(ctx, req.RunID); rerr != nil {
			zap.L().Warn("pipeline: release approval claim", zap.String("run_id", req.RunID), zap.Error(rerr))
		}
		if errors.Is(err, ErrRunTerminal) || errors.Is(err, ErrNotAwaitingApproval) {
			latest, gerr := s.p.store.GetRun(ctx, req.RunID)
			if gerr != nil {
				return nil, gerr
			}
			if res := approvalGate(latest); res != nil {
				return res, nil
			}
		}
		return nil, eris.Wrap(err, "pipeline: deliver approval")
	}

	status := model.RunStatusAwaitingApproval
	if latest, err := s.p.store.GetRun(ctx, req.RunID); err == nil {
		status = latest.Status
	}
	msg := "approval accepted"
	if !signal.Proceeds() {
		msg = "review closed without remediation"
	}
	return &ApprovalResult{Accepted: true, Status: status, Message: msg}, nil
}

// approvalGate returns a result when run cannot take a decision.
func approvalGate(run *model.PipelineRun) *ApprovalResult {
	switch {
	case run.Status.IsTerminal():
		return &ApprovalResult{
			Accepted: false,
			Status:   run.Status,
			Message:  fmt.Sprintf("run already %s; decision ignored", run.Status),
		}
	case run.Status != model.RunStatusAwaitingApproval:
		return &ApprovalResult{
			Accepted: false,
			Status:   run.Status,
			Message:  fmt.Sprintf("run is %s, not awaiting approval", run.Status),
		}
	default:
		return nil
	}
}

// Remediations returns a run's remediations, optionally only those for
// recordID.
func (s *Service) Remediations(ctx context.Context, runID, recordID string) ([]model.RemediationRecord, error) {
	if _, err := s.p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rems, err := s.p.store.GetRemediations(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := []model.RemediationRecord{}
	for _, r := range rems {
		if recordID == "" || r.RecordID == recordID {
			out = append(out, r)
		}
	}
	return out, nil
}

type compareKey struct {
	title     string
	startLine int
}

// Compare diffs the confirmed records of two runs by title and line.
func (s *Service) Compare(ctx context.Context, baseID, headID string) (*Comparison, error) {
	base, err := s.confirmed(ctx, baseID)
	if err != nil {
		return nil, err
	}
	head, err := s.confirmed(ctx, headID)
	if err != nil {
		return nil, err
	}

	keys := func(records []model.EnrichedRecord) map[compareKey]struct{} {
		m := make(map[compareKey]struct{}, len(records))
		for _, r := range records {
			m[compareKey{r.Title, r.Location.StartLine}] = struct{}{}
		}
		return m
	}
	baseKeys, headKeys := keys(base), keys(head)

	cmp := &Comparison{
		BaseRunID: baseID,
		HeadRunID: headID,
		BaseCount: len(base),
		HeadCount: len(head),
		Delta:     len(head) - len(base),
		New:       []model.EnrichedRecord{},
		Fixed:     []model.EnrichedRecord{},
	}
	for _, r := range head {
		if _, ok := baseKeys[compareKey{r.Title, r.Location.StartLine}]; !ok {
			cmp.New = append(cmp.New, r)
		}
	}
	for _, r := range base {
		if _, ok := headKeys[compareKey{r.Title, r.Location.StartLine}]; !ok {
			cmp.Fixed = append(cmp.Fixed, r)
		}
	}
	return cmp, nil
}

func (s *Service) confirmed(ctx context.Context, runID string) ([]model.EnrichedRecord, error) {
	if _, err := s.p.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	records, err := s.p.store.GetRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	return model.ConfirmedOnly(records), nil
}

// Export is everything recorded for a run.
type Export struct {
	Run          model.PipelineRun         `json:"run"`
	Summary      *model.SynthesisSummary   `json:"summary,omitempty"`
	Records      []model.EnrichedRecord    `json:"records"`
	Remediations []model.RemediationRecord `json:"remediations"`
}

// Export collects a run with all of its records, most severe first.
func (s *Service) Export(ctx context.Context, runID string) (*Export, error) {
	run, err := s.p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := s.p.store.GetRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	rems, err := s.p.store.GetRemediations(ctx, runID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.EnrichedRecord{}
	}
	if rems == nil {
		rems = []model.RemediationRecord{}
	}
	SortBySeverity(records)

	out := &Export{Run: *run, Records: records, Remediations: rems}
	if cp, err := s.p.store.GetCheckpoint(ctx, runID); err == nil && cp != nil {
		out.Summary = cp.Summary
	}
	return out, nil
}

// ListRuns returns runs for userID (all users when empty), newest first.
func (s *Service) ListRuns(ctx context.Context, userID string, status model.RunStatus, limit int) ([]StatusResult, error) {
	runs, err := s.p.store.ListRuns(ctx, store.RunFilter{UserID: userID, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]StatusResult, 0, len(runs))
	for _, run := range runs {
		out = append(out, StatusResult{
			RunID:            run.ID,
			UserID:           run.UserID,
			Status:           run.Status,
			CurrentStage:     run.CurrentStage,
			Stats:            statsOf(&run),
			Error:            run.Error,
			ApprovalDeadline: run.ApprovalDeadline,
			CreatedAt:        run.CreatedAt,
			UpdatedAt:        run.UpdatedAt,
		})
	}
	return out, nil
}

// SortBySeverity orders records most severe first, keeping the existing
// order among equal severities.
func SortBySeverity(records []model.EnrichedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Severity.Rank() < records[j].Severity.Rank()
	})
}

func statsOf(run *model.PipelineRun) Stats {
	return Stats{Raw: run.TotalRaw, Confirmed: run.TotalConfirmed, ReductionPercent: run.ReductionPercent}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed the %s check", fe.Field(), fe.Tag())
}
