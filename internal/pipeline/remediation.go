package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

// SelectApproved returns the confirmed records whose ids are in ids, in
// record order.
func SelectApproved(records []model.EnrichedRecord, ids []string) []model.EnrichedRecord {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := []model.EnrichedRecord{}
	for _, r := range records {
		if _, ok := want[r.ID]; ok && r.Confirmed {
			out = append(out, r)
		}
	}
	return out
}

// Remediate proposes fixes for approved records. Exhausting the retry
// budget is an error; an unparseable answer yields no remediations.
func (e *Executor) Remediate(ctx context.Context, runID, code string, approved []model.EnrichedRecord, now time.Time) ([]model.RemediationRecord, error) {
	if len(approved) == 0 {
		return []model.RemediationRecord{}, nil
	}
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", StageRemediation))

	known := make(map[string]struct{}, len(approved))
	wire := make([]wireRecord, 0, len(approved))
	for _, r := range approved {
		known[r.ID] = struct{}{}
		wire = append(wire, fromRawRecord(r.RawRecord))
	}

	prompt := mustPrompt(StageRemediation)
	user := prompt.Render(map[string]string{
		"code":    code,
		"records": marshalPromptJSON(wire),
	})

	start := time.Now()
	text, err := e.Infer(ctx, runID, StageRemediation, e.long, prompt.System, user)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: remediation")
	}

	items, err := parseList[wireRemediation](text, "findingId", "fixedCode")
	if err != nil {
		log.Warn("pipeline: remediation output unparseable",
			zap.String("response_prefix", truncate(text, 300)),
			zap.Error(err),
		)
		return []model.RemediationRecord{}, nil
	}

	ids := newIDAssigner(runID, StageRemediation, "rem")
	out := make([]model.RemediationRecord, 0, len(items))
	for i, item := range items {
		recordID := strings.TrimSpace(item.FindingID)
		if _, ok := known[recordID]; !ok {
			log.Warn("pipeline: remediation names an unknown record, dropping",
				zap.String("record_id", recordID),
			)
			continue
		}
		out = append(out, model.RemediationRecord{
			ID:              ids.assign("", i, 0, recordID),
			RecordID:        recordID,
			RunID:           runID,
			OriginalSnippet: item.OriginalCode,
			FixedSnippet:    item.FixedCode,
			Explanation:     item.Explanation,
			DiffHunks:       diffHunksToModel(item.DiffHunks),
			CreatedAt:       now,
		})
	}

	log.Info("pipeline: remediation complete",
		zap.Int("approved", len(approved)),
		zap.Int("remediations", len(out)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}
