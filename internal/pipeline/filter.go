package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

// Filter classifies every merged record as confirmed or not. The output has
// exactly one EnrichedRecord per input, in input order. When the backend
// fails or its answer cannot be parsed, every record is confirmed.
func (e *Executor) Filter(ctx context.Context, runID, code string, records []model.RawRecord, flow model.FlowMap) []model.EnrichedRecord {
	if len(records) == 0 {
		return []model.EnrichedRecord{}
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", StageFilter))

	wire := make([]wireRecord, 0, len(records))
	for _, r := range records {
		wire = append(wire, fromRawRecord(r))
	}

	prompt := mustPrompt(StageFilter)
	user := prompt.Render(map[string]string{
		"code":     code,
		"flow_map": marshalPromptJSON(flow),
		"records":  marshalPromptJSON(wire),
	})

	start := time.Now()
	verdicts := map[string]wireVerdict{}
	text, err := e.Infer(ctx, runID, StageFilter, e.long, prompt.System, user)
	if err != nil {
		log.Warn("pipeline: filter backend failed, confirming every record", zap.Error(err))
	} else if parsed, perr := parseList[wireVerdict](text, "id", "isReachable"); perr != nil {
		log.Warn("pipeline: filter output unparseable, confirming every record",
			zap.String("response_prefix", truncate(text, 300)),
			zap.Error(perr),
		)
	} else {
		for _, v := range parsed {
			if v.ID != "" {
				verdicts[v.ID] = v
			}
		}
	}

	out := applyVerdicts(runID, records, verdicts)
	log.Info("pipeline: filter complete",
		zap.Int("records", len(out)),
		zap.Int("verdicts", len(verdicts)),
		zap.Int("confirmed", len(model.ConfirmedOnly(out))),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out
}

// applyVerdicts enriches records with the verdicts keyed by record id.
// Records without a verdict are confirmed with an external input path.
// Secrets are always confirmed, never need an input path, and carry no
// rejection reason.
func applyVerdicts(runID string, records []model.RawRecord, verdicts map[string]wireVerdict) []model.EnrichedRecord {
	out := make([]model.EnrichedRecord, 0, len(records))
	for _, r := range records {
		secret := r.Category == model.CategorySecrets
		er := model.EnrichedRecord{
			RawRecord: r,
			RunID:     runID,
			Confirmed: true,
			Detail: model.ConfirmationDetail{
				HasExternalInputPath: !secret,
				FlowPath:             []model.FlowNode{},
				MitigationsInPath:    []string{},
			},
		}

		if v, ok := verdicts[r.ID]; ok {
			if v.IsReachable != nil {
				er.Confirmed = *v.IsReachable
			}
			er.Detail.HasExternalInputPath = v.Analysis.HasUserInputPath != nil && *v.Analysis.HasUserInputPath
			if v.Analysis.DataFlowPath != nil {
				er.Detail.FlowPath = flowNodesToModel(v.Analysis.DataFlowPath)
			}
			if v.Analysis.SanitizersInPath != nil {
				er.Detail.MitigationsInPath = v.Analysis.SanitizersInPath
			}
			if v.Analysis.FalsePositiveReason != nil {
				er.Detail.RejectionReason = *v.Analysis.FalsePositiveReason
			}
		}

		if secret {
			er.Confirmed = true
			er.Detail.HasExternalInputPath = false
			er.Detail.RejectionReason = ""
		}
		out = append(out, er)
	}
	return out
}
