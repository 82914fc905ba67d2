package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Finalize reviews whose approval window has passed",
	Long:  "Applies the approval timeout policy to every review still awaiting approval past its deadline. Only needed for the local engine.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Sweep(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
