package pipeline

import (
	"github.com/sells-group/secpipe/internal/model"
)

var injectionFamily = []model.Category{
	model.CategoryInjection, model.CategoryXSS, model.CategorySSRF, model.CategoryPathTraversal,
}

// Specialists returns the four analyzer stages that run concurrently after
// triage, in merge order.
func Specialists() []StageSpec {
	return []StageSpec{
		{
			Name:        StageDependency,
			Prefix:      "dep",
			Category:    model.CategoryDependency,
			NeedsTriage: true,
			Context: func(t *model.TriageResult) any {
				return map[string]any{
					"language":  t.Language,
					"framework": t.Framework,
					"code_type": t.CodeType,
				}
			},
			Prompt: mustPrompt(StageDependency),
		},
		{
			Name:        StageAuth,
			Prefix:      "auth",
			Category:    model.CategoryAuth,
			NeedsTriage: true,
			Gate:        authGate,
			Context: func(t *model.TriageResult) any {
				return map[string]any{
					"entry_points": t.EntryPoints,
					"risk_areas":   riskAreasIn(t, model.CategoryAuth),
					"framework":    t.Framework,
				}
			},
			Prompt: mustPrompt(StageAuth),
		},
		{
			Name:            StageInjection,
			Prefix:          "inj",
			DefaultCategory: model.CategoryInjection,
			NeedsTriage:     true,
			Gate:            injectionGate,
			Context: func(t *model.TriageResult) any {
				return map[string]any{
					"flow_map":     t.FlowMap,
					"entry_points": t.EntryPoints,
					"risk_areas":   riskAreasIn(t, injectionFamily...),
				}
			},
			Prompt: mustPrompt(StageInjection),
		},
		{
			Name:     StageSecrets,
			Prefix:   "sec",
			Category: model.CategorySecrets,
			Prompt:   mustPrompt(StageSecrets),
		},
	}
}

// authGate runs the auth stage only for code with auth risk areas or
// network-facing entry points.
func authGate(t *model.TriageResult) bool {
	return t.HasRiskIn(model.CategoryAuth) || t.HasEntryKind(model.EntryHTTP, model.EntryWebSocket)
}

// injectionGate runs the injection stage when input can reach a sink.
func injectionGate(t *model.TriageResult) bool {
	return t.HasRiskIn(injectionFamily...) || len(t.FlowMap.Sinks) > 0 || len(t.EntryPoints) > 0
}

func riskAreasIn(t *model.TriageResult, cats ...model.Category) []model.RiskArea {
	out := []model.RiskArea{}
	for _, ra := range t.RiskAreas {
		for _, c := range cats {
			if ra.Category == c {
				out = append(out, ra)
				break
			}
		}
	}
	return out
}
