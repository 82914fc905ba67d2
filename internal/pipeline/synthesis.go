package pipeline

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

const (
	cleanNarrative   = "No exploitable security issues were found. All identified patterns were determined to be unreachable or properly mitigated."
	defaultNarrative = "Security analysis complete."
)

// CleanSummary is the summary of a run with no confirmed records.
func CleanSummary(totalRaw int) model.SynthesisSummary {
	reduction := 0.0
	if totalRaw > 0 {
		reduction = 100
	}
	return model.SynthesisSummary{
		TotalRaw:         totalRaw,
		TotalConfirmed:   0,
		ReductionPercent: reduction,
		CountsBySeverity: model.ZeroSeverityCounts(),
		CountsByCategory: model.ZeroCategoryCounts(),
		TopRisks:         []string{},
		Narrative:        cleanNarrative,
	}
}

// localSummary computes every number from the confirmed records.
func localSummary(totalRaw int, confirmed []model.EnrichedRecord) model.SynthesisSummary {
	bySev, byCat := model.CountRecords(confirmed)
	return model.SynthesisSummary{
		TotalRaw:         totalRaw,
		TotalConfirmed:   len(confirmed),
		ReductionPercent: model.ReductionPercent(totalRaw, len(confirmed)),
		CountsBySeverity: bySev,
		CountsByCategory: byCat,
		TopRisks:         []string{},
		Narrative:        defaultNarrative,
	}
}

// Synthesize summarizes the confirmed records. The backend contributes only
// the narrative and top risks; counts and the reduction percentage are
// always computed locally.
func (e *Executor) Synthesize(ctx context.Context, runID string, totalRaw int, records []model.EnrichedRecord) model.SynthesisSummary {
	confirmed := model.ConfirmedOnly(records)
	if len(confirmed) == 0 {
		return CleanSummary(totalRaw)
	}

	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", StageSynthesis))
	summary := localSummary(totalRaw, confirmed)

	type synthesisInput struct {
		wireRecord
		ConfirmationDetail model.ConfirmationDetail `json:"reachabilityAnalysis"`
	}
	input := make([]synthesisInput, 0, len(confirmed))
	for _, r := range confirmed {
		input = append(input, synthesisInput{wireRecord: fromRawRecord(r.RawRecord), ConfirmationDetail: r.Detail})
	}

	prompt := mustPrompt(StageSynthesis)
	user := prompt.Render(map[string]string{
		"total_raw": strconv.Itoa(totalRaw),
		"records":   marshalPromptJSON(input),
	})

	start := time.Now()
	text, err := e.Infer(ctx, runID, StageSynthesis, e.stage, prompt.System, user)
	if err != nil {
		log.Warn("pipeline: synthesis backend failed, using local summary", zap.Error(err))
		return summary
	}
	ws, err := parseObject[wireSummary](text)
	if err != nil {
		log.Warn("pipeline: synthesis output unparseable, using local summary",
			zap.String("response_prefix", truncate(text, 300)),
			zap.Error(err),
		)
		return summary
	}

	if ws.Summary != "" {
		summary.Narrative = ws.Summary
	}
	if ws.TopRisks != nil {
		summary.TopRisks = ws.TopRisks
	}
	if ws.NoiseReductionPercent != nil && math.Abs(*ws.NoiseReductionPercent-summary.ReductionPercent) > 0.05 {
		log.Info("pipeline: backend reduction figure disagrees with local count",
			zap.Float64("backend", *ws.NoiseReductionPercent),
			zap.Float64("local", summary.ReductionPercent),
		)
	}

	log.Info("pipeline: synthesis complete",
		zap.Int("confirmed", summary.TotalConfirmed),
		zap.Int("top_risks", len(summary.TopRisks)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return summary
}
