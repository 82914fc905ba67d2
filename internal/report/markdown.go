package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/secpipe/internal/model"
)

// Markdown renders a human-readable review report. summary and
// remediations may be nil.
func Markdown(run model.PipelineRun, summary *model.SynthesisSummary, records []model.EnrichedRecord, remediations []model.RemediationRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Security Review: %s\n", run.ID)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	if run.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", run.Language)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- Raw findings: %d\n", run.TotalRaw)
	fmt.Fprintf(&b, "- Confirmed: %d\n", run.TotalConfirmed)
	fmt.Fprintf(&b, "- Reduction: %.1f%%\n", run.ReductionPercent)
	if summary != nil {
		if len(summary.TopRisks) > 0 {
			b.WriteString("- Top risks:\n")
			for _, risk := range summary.TopRisks {
				fmt.Fprintf(&b, "  - %s\n", risk)
			}
		}
		if summary.Narrative != "" {
			fmt.Fprintf(&b, "\n%s\n", summary.Narrative)
		}
	}
	b.WriteString("\n")

	if summary != nil {
		b.WriteString("## By Severity\n")
		for _, sev := range []model.Severity{
			model.SeverityCritical, model.SeverityHigh, model.SeverityMedium,
			model.SeverityLow, model.SeverityInfo,
		} {
			fmt.Fprintf(&b, "- %s: %d\n", sev, summary.CountsBySeverity[sev])
		}
		b.WriteString("\n")

		b.WriteString("## By Category\n")
		cats := make([]string, 0, len(summary.CountsByCategory))
		for c, n := range summary.CountsByCategory {
			if n > 0 {
				cats = append(cats, string(c))
			}
		}
		sort.Strings(cats)
		if len(cats) == 0 {
			b.WriteString("None.\n")
		}
		for _, c := range cats {
			fmt.Fprintf(&b, "- %s: %d\n", c, summary.CountsByCategory[model.Category(c)])
		}
		b.WriteString("\n")
	}

	fixes := make(map[string]model.RemediationRecord, len(remediations))
	for _, rem := range remediations {
		fixes[rem.RecordID] = rem
	}

	b.WriteString("## Findings\n")
	confirmed := model.ConfirmedOnly(records)
	if len(confirmed) == 0 {
		b.WriteString("No confirmed findings.\n")
	}
	for _, r := range confirmed {
		fmt.Fprintf(&b, "\n### [%s] %s\n", strings.ToUpper(string(r.Severity)), r.Title)
		fmt.Fprintf(&b, "- ID: %s\n", r.ID)
		fmt.Fprintf(&b, "- Category: %s\n", r.Category)
		fmt.Fprintf(&b, "- Lines: %s\n", lines(r.Location))
		if r.CWEID != "" {
			fmt.Fprintf(&b, "- CWE: %s\n", r.CWEID)
		}
		if r.Approved {
			b.WriteString("- Approved for remediation\n")
		}
		if r.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", r.Description)
		}
		if len(r.Detail.FlowPath) > 0 {
			b.WriteString("\nFlow:\n")
			for i, node := range r.Detail.FlowPath {
				fmt.Fprintf(&b, "%d. %s `%s` (line %d)\n", i+1, node.Kind, node.Name, node.Location.Line)
			}
		}
		if rem, ok := fixes[r.ID]; ok {
			b.WriteString("\nFix:\n\n```\n")
			b.WriteString(strings.TrimRight(rem.FixedSnippet, "\n"))
			b.WriteString("\n```\n")
			if rem.Explanation != "" {
				fmt.Fprintf(&b, "\n%s\n", rem.Explanation)
			}
		}
	}

	return b.String()
}

func lines(loc model.Location) string {
	if loc.EndLine > loc.StartLine {
		return fmt.Sprintf("%d-%d", loc.StartLine, loc.EndLine)
	}
	return fmt.Sprintf("%d", loc.StartLine)
}
