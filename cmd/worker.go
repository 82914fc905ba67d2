package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/temporal"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker hosting the review workflow",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cfg.Pipeline.Engine = "temporal"
		env, err := initApp(ctx, "temporal")
		if err != nil {
			return err
		}
		defer env.Close()

		w := temporal.NewWorker(env.Temporal, cfg.Temporal.TaskQueue, env.Pipeline)
		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
