package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/api"
	"github.com/sells-group/secpipe/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review HTTP API",
	Long: "Serves the review API. On the local engine it also resumes interrupted runs, " +
		"finalizes expired approvals and runs the alert checker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "backend")
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		var jobs []monitoring.Job
		if cfg.Monitoring.WebhookURL != "" {
			jobs = append(jobs, monitoring.AlertJob(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring))
		}

		if env.Local != nil {
			if _, err := env.Pipeline.Recover(ctx, env.Local); err != nil {
				zap.L().Warn("recover interrupted runs failed", zap.Error(err))
			}
			jobs = append(jobs, sweepJob(env))
		}
		go monitoring.NewChecker(jobs...).Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(env.Service, collector, cfg.Server, cfg.Monitoring).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("engine", cfg.Pipeline.Engine),
			zap.Bool("auth", cfg.Server.JWTSecret != ""),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// sweepJob finalizes expired approvals on the local engine. The Temporal
// engine uses a durable timer instead.
func sweepJob(env *appEnv) monitoring.Job {
	return monitoring.Job{
		Name:      "approval_sweep",
		Interval:  cfg.Pipeline.SweepInterval(),
		Immediate: true,
		Run: func(ctx context.Context) error {
			_, err := env.Pipeline.Sweep(ctx, time.Now().UTC())
			return err
		},
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
