package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/monitoring"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect review runs",
	Long:  "Commands for listing runs and viewing their records, remediations and aggregate statistics.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		if status != "" && !model.RunStatus(status).Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		runs, err := env.Service.ListRuns(ctx, user, model.RunStatus(status), limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Service.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

// -- runs records --

var runsRecordsCmd = &cobra.Command{
	Use:   "records <run-id>",
	Short: "List the records of a run, most severe first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")

		res, err := env.Service.Records(ctx, args[0], all)
		if err != nil {
			return eris.Wrap(err, "runs records")
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		formatRecords(cmd.OutOrStdout(), res)
		return nil
	},
}

// -- runs remediations --

var runsRemediationsCmd = &cobra.Command{
	Use:   "remediations <run-id>",
	Short: "Show the remediations of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		record, _ := cmd.Flags().GetString("record")
		rems, err := env.Service.Remediations(ctx, args[0], record)
		if err != nil {
			return eris.Wrap(err, "runs remediations")
		}
		return printJSON(cmd.OutOrStdout(), rems)
	},
}

// -- runs compare --

var runsCompareCmd = &cobra.Command{
	Use:   "compare <base-run-id> <head-run-id>",
	Short: "Diff the confirmed records of two runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		cmp, err := env.Service.Compare(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "runs compare")
		}
		return printJSON(cmd.OutOrStdout(), cmp)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since / time.Hour)
		if hours <= 0 {
			hours = 1
		}
		stale := time.Duration(cfg.Monitoring.StaleApprovalHours) * time.Hour

		snap, err := monitoring.NewCollector(env.Store).Collect(ctx, hours, stale)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, awaiting_approval, completed, failed, ...)")
	runsListCmd.Flags().String("user", "", "filter by user id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsRecordsCmd.Flags().Bool("all", false, "include records the filter rejected")
	runsRecordsCmd.Flags().Bool("json", false, "print JSON instead of a table")

	runsRemediationsCmd.Flags().String("record", "", "only the remediation for this record id")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRecordsCmd)
	runsCmd.AddCommand(runsRemediationsCmd)
	runsCmd.AddCommand(runsCompareCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}
