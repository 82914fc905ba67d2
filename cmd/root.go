package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "secpipe",
	Short: "Durable security review pipeline",
	Long:  "Triages code, runs specialist analyzers in parallel, filters unreachable findings, summarizes, and remediates approved findings.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside development.
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
