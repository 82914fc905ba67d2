package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/db"
	"github.com/sells-group/secpipe/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlGetRun = `SELECT data FROM runs WHERE id = $1`
	sqlPutRun = `INSERT INTO runs (id, user_id, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, status = EXCLUDED.status,
		data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
)

// preparedStatements are prepared on each new connection for the queries
// every pipeline step issues.
var preparedStatements = map[string]string{
	"get_run": sqlGetRun,
	"put_run": sqlPutRun,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_records (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_remediations (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_checkpoints (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);
CREATE INDEX IF NOT EXISTS idx_runs_status_updated ON runs(status, updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) PutRun(ctx context.Context, run *model.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx, sqlPutRun,
		run.ID, run.UserID, string(run.Status), data, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, sqlGetRun, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	var run model.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal run %s", runID)
	}
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + next(string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ` + next(filter.UserID)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ` + next(filter.UpdatedBefore.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ` + next(listLimit(filter))
	if filter.Offset > 0 {
		query += ` OFFSET ` + next(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: list runs scan")
		}
		var run model.PipelineRun
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, eris.Wrap(err, "postgres: list runs unmarshal")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) PutRecords(ctx context.Context, runID string, records []model.EnrichedRecord) error {
	return s.putDoc(ctx, "run_records", runID, records)
}

func (s *PostgresStore) GetRecords(ctx context.Context, runID string) ([]model.EnrichedRecord, error) {
	var records []model.EnrichedRecord
	_, err := s.getDoc(ctx, "run_records", runID, &records)
	return records, err
}

func (s *PostgresStore) PutRemediations(ctx context.Context, runID string, remediations []model.RemediationRecord) error {
	return s.putDoc(ctx, "run_remediations", runID, remediations)
}

func (s *PostgresStore) GetRemediations(ctx context.Context, runID string) ([]model.RemediationRecord, error) {
	var rems []model.RemediationRecord
	_, err := s.getDoc(ctx, "run_remediations", runID, &rems)
	return rems, err
}

func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	return s.putDoc(ctx, "run_checkpoints", cp.RunID, cp)
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	found, err := s.getDoc(ctx, "run_checkpoints", runID, &cp)
	if err != nil || !found {
		return nil, err
	}
	return &cp, nil
}

func (s *PostgresStore) putDoc(ctx context.Context, table, runID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal %s", table)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (run_id, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		runID, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: put %s %s", table, runID)
}

func (s *PostgresStore) getDoc(ctx context.Context, table, runID string, dest any) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM `+table+` WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: get %s %s", table, runID)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, eris.Wrapf(err, "postgres: unmarshal %s %s", table, runID)
	}
	return true, nil
}
