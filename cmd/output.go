package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sells-group/secpipe/internal/pipeline"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []pipeline.StatusResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tRAW\tCONFIRMED\tREDUCTION\tCREATED")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
			shortID(r.RunID),
			r.Status,
			dash(r.CurrentStage),
			r.Stats.Raw,
			r.Stats.Confirmed,
			r.Stats.ReductionPercent,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRecords writes a tabular list of records to out.
func formatRecords(out io.Writer, res *pipeline.RecordsResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSEVERITY\tCATEGORY\tLINE\tCONFIRMED\tTITLE")
	for _, r := range res.Records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
			r.ID, r.Severity, r.Category, r.Location.StartLine, r.Confirmed, r.Title)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
