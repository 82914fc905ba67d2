// Package report renders a run's records for other tools and for people.
package report

import (
	"fmt"
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/model"
)

const (
	toolName = "secpipe"
	toolURI  = "https://github.com/sells-group/secpipe"
)

// Level maps a severity to a SARIF result level.
func Level(s model.Severity) string {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return "error"
	case model.SeverityMedium:
		return "warning"
	case model.SeverityLow:
		return "note"
	default:
		return "none"
	}
}

// SARIF builds a SARIF 2.1.0 log for the run. artifactURI names the
// analyzed file in every location; empty defaults to "input".
func SARIF(run model.PipelineRun, records []model.EnrichedRecord, artifactURI string) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, eris.Wrap(err, "report: new sarif log")
	}
	if artifactURI == "" {
		artifactURI = "input"
	}

	sr := sarif.NewRunWithInformationURI(toolName, toolURI)
	for _, r := range records {
		rule := sr.AddRule(string(r.Category)).
			WithDescription(fmt.Sprintf("%s findings", r.Category))
		if rule.DefaultConfiguration == nil {
			rule.WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: Level(r.Severity)})
		}

		result := sarif.NewRuleResult(rule.ID).
			WithMessage(sarif.NewTextMessage(message(r))).
			WithLevel(Level(r.Severity)).
			WithLocations([]*sarif.Location{location(artifactURI, r.Location.StartLine, r.Location.EndLine, r.Location.Snippet)})

		if flow := codeFlow(artifactURI, r.Detail.FlowPath); flow != nil {
			result.AddCodeFlow(flow)
		}

		result.Properties = map[string]interface{}{
			"record_id": r.ID,
			"run_id":    run.ID,
			"severity":  string(r.Severity),
			"confirmed": r.Confirmed,
		}
		if r.CWEID != "" {
			result.Properties["cwe"] = r.CWEID
		}
		if r.OWASPCategory != "" {
			result.Properties["owasp"] = r.OWASPCategory
		}

		sr.AddResult(result)
	}

	report.AddRun(sr)
	return report, nil
}

// WriteSARIF writes the run's SARIF log to w, indented.
func WriteSARIF(w io.Writer, run model.PipelineRun, records []model.EnrichedRecord, artifactURI string) error {
	report, err := SARIF(run, records, artifactURI)
	if err != nil {
		return err
	}
	return eris.Wrap(report.PrettyWrite(w), "report: write sarif")
}

func message(r model.EnrichedRecord) string {
	if r.Description == "" {
		return r.Title
	}
	return r.Title + ": " + r.Description
}

func location(uri string, start, end int, snippet string) *sarif.Location {
	region := sarif.NewRegion()
	if snippet != "" {
		region.WithSnippet(sarif.NewArtifactContent().WithText(snippet))
	}
	if start > 0 {
		region.WithStartLine(start)
	}
	if end >= start && end > 0 {
		region.WithEndLine(end)
	}
	return sarif.NewLocation().WithPhysicalLocation(
		sarif.NewPhysicalLocation().
			WithArtifactLocation(sarif.NewArtifactLocation().WithUri(uri)).
			WithRegion(region),
	)
}

func codeFlow(uri string, path []model.FlowNode) *sarif.CodeFlow {
	if len(path) == 0 {
		return nil
	}
	threadFlow := sarif.NewThreadFlow()
	for _, node := range path {
		loc := location(uri, node.Location.Line, node.Location.Line, "")
		text := fmt.Sprintf("%s %s", node.Kind, node.Name)
		if node.Description != "" {
			text += ": " + node.Description
		}
		threadFlow.AddLocation(&sarif.ThreadFlowLocation{Location: loc.WithMessage(sarif.NewTextMessage(text))})
	}
	return sarif.NewCodeFlow().WithThreadFlows([]*sarif.ThreadFlow{threadFlow})
}
