package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/backend"
	"github.com/sells-group/secpipe/internal/monitoring"
	"github.com/sells-group/secpipe/internal/pipeline"
	"github.com/sells-group/secpipe/internal/store"
	"github.com/sells-group/secpipe/internal/temporal"
)

// appEnv holds the store, backend, pipeline and runner a command needs.
type appEnv struct {
	Store    store.Store
	Backend  *backend.Guarded
	Pipeline *pipeline.Pipeline
	Service  *pipeline.Service
	Runner   pipeline.Runner
	Local    *pipeline.LocalRunner // nil unless engine is local
	Temporal client.Client         // nil unless engine is temporal
	Notifier *monitoring.WebhookNotifier
}

// Close waits for in-process work and webhook deliveries, then releases
// clients in reverse order of creation.
func (e *appEnv) Close() {
	if e.Local != nil {
		e.Local.Wait()
	}
	if e.Notifier != nil {
		e.Notifier.Wait()
	}
	if e.Temporal != nil {
		e.Temporal.Close()
	}
	if e.Backend != nil {
		_ = e.Backend.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "", "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "secpipe.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp wires the pipeline for mode ("backend" or "" for commands that
// only read; those get neither a backend nor a Temporal client). Work
// started by a local runner is bound to ctx. Callers should defer
// env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st

	var b backend.Backend = unavailableBackend{}
	if mode != "" {
		g, err := backend.New(ctx, cfg.Backend)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init backend")
		}
		env.Backend = g
		b = g
	}

	var notifier pipeline.Notifier
	if cfg.Monitoring.WebhookURL != "" {
		env.Notifier = monitoring.NewWebhookNotifier(cfg.Monitoring.WebhookURL)
		notifier = env.Notifier
		zap.L().Info("run event webhook enabled")
	}

	env.Pipeline = pipeline.New(st, b, notifier, cfg.Pipeline)

	switch {
	case cfg.Pipeline.Engine == "temporal" && mode != "":
		c, err := temporal.Dial(cfg.Temporal)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Temporal = c
		env.Runner = temporal.NewRunner(c, cfg.Temporal.TaskQueue, cfg.Pipeline.ApprovalTimeout())
	default:
		env.Local = pipeline.NewLocalRunner(ctx, env.Pipeline)
		env.Runner = env.Local
	}

	env.Service = pipeline.NewService(env.Pipeline, env.Runner)
	return env, nil
}

// unavailableBackend backs read-only commands, which never run a stage.
type unavailableBackend struct{}

func (unavailableBackend) Infer(context.Context, string, string) (string, error) {
	return "", eris.New("backend not configured for this command")
}
