package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/secpipe/internal/pipeline"
)

var approveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve records of a suspended review for remediation",
	Long:  "Approves the given records for remediation, or closes the review with --decline. Approving no records completes the review.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		records, _ := cmd.Flags().GetStringSlice("records")
		decline, _ := cmd.Flags().GetBool("decline")

		env, err := initApp(ctx, "backend")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.Approve(ctx, pipeline.ApproveRequest{
			RunID:     args[0],
			RecordIDs: records,
			Decline:   decline,
		})
		if err != nil {
			return eris.Wrap(err, "approve")
		}
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if !res.Accepted {
			return eris.Errorf("approval not accepted: %s", res.Message)
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().StringSlice("records", nil, "record ids to remediate (comma separated)")
	approveCmd.Flags().Bool("decline", false, "close the review without remediation")
	rootCmd.AddCommand(approveCmd)
}
