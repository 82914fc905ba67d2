package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/backend"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/resilience"
)

const triageSchemaJSON = `{
  "type": "object",
  "required": ["language", "dataFlowMap"],
  "properties": {
    "language": {"type": "string", "minLength": 1},
    "framework": {"type": ["string", "null"]},
    "codeType": {"type": ["string", "null"]},
    "dataFlowMap": {
      "type": "object",
      "properties": {
        "nodes": {"type": ["array", "null"]},
        "edges": {"type": ["array", "null"]},
        "entryPoints": {"type": ["array", "null"]},
        "sinks": {"type": ["array", "null"]}
      }
    },
    "entryPoints": {"type": ["array", "null"]},
    "riskAreas": {"type": ["array", "null"]}
  }
}`

var triageSchema = mustSchema(triageSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return s
}

// Triage builds the flow map and risk areas every specialist depends on.
// Unlike the specialists, an unparseable or invalid response counts as a
// failed attempt, and exhausting the attempts is an error.
func (e *Executor) Triage(ctx context.Context, runID, code string) (*model.TriageResult, error) {
	prompt := mustPrompt(StageTriage)
	user := prompt.Render(map[string]string{"code": code})

	cfg := e.stage
	cfg.ShouldRetry = resilience.Always
	cfg.OnRetry = resilience.RetryLogger(runID, StageTriage)

	start := time.Now()
	result, err := resilience.DoVal(backend.WithStage(ctx, StageTriage), cfg, func(ctx context.Context) (*model.TriageResult, error) {
		text, err := e.backend.Infer(ctx, prompt.System, user)
		if err != nil {
			return nil, err
		}
		return parseTriage(text)
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: triage")
	}

	zap.L().Info("pipeline: triage complete",
		zap.String("run_id", runID),
		zap.String("language", result.Language),
		zap.Int("flow_nodes", len(result.FlowMap.Nodes)),
		zap.Int("entry_points", len(result.EntryPoints)),
		zap.Int("risk_areas", len(result.RiskAreas)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

func parseTriage(text string) (*model.TriageResult, error) {
	raw, err := decodeValue(text)
	if err != nil {
		return nil, err
	}

	res, err := triageSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: validate triage response")
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, eris.Errorf("pipeline: invalid triage response: %s", strings.Join(problems, "; "))
	}

	var w wireTriage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode triage response")
	}
	return w.toModel(), nil
}
