package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/secpipe/internal/pipeline"
	"github.com/sells-group/secpipe/internal/report"
)

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as SARIF, markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		artifact, _ := cmd.Flags().GetString("artifact")
		outPath, _ := cmd.Flags().GetString("out")

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		exp, err := env.Service.Export(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export")
		}

		out := cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeExport(out, format, artifact, exp)
	},
}

func writeExport(out io.Writer, format, artifact string, exp *pipeline.Export) error {
	switch format {
	case "sarif":
		return report.WriteSARIF(out, exp.Run, exp.Records, artifact)
	case "markdown", "md":
		_, err := io.WriteString(out, report.Markdown(exp.Run, exp.Summary, exp.Records, exp.Remediations))
		return eris.Wrap(err, "export: write markdown")
	case "json":
		return printJSON(out, exp)
	default:
		return eris.Errorf("unknown export format %q (want sarif, markdown or json)", format)
	}
}

func init() {
	exportCmd.Flags().String("format", "sarif", "output format: sarif, markdown or json")
	exportCmd.Flags().String("artifact", "", "file name recorded in SARIF locations")
	exportCmd.Flags().String("out", "", "write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
