package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/secpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_records (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_remediations (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_checkpoints (
	run_id     TEXT PRIMARY KEY REFERENCES runs(id),
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutRun(ctx context.Context, run *model.PipelineRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, user_id, status, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, status = excluded.status,
		 data = excluded.data, updated_at = excluded.updated_at`,
		run.ID, run.UserID, string(run.Status), string(data), run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, filter.UpdatedBefore.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list runs scan")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) PutRecords(ctx context.Context, runID string, records []model.EnrichedRecord) error {
	return s.putDoc(ctx, "run_records", runID, records)
}

func (s *SQLiteStore) GetRecords(ctx context.Context, runID string) ([]model.EnrichedRecord, error) {
	var records []model.EnrichedRecord
	_, err := s.getDoc(ctx, "run_records", runID, &records)
	return records, err
}

func (s *SQLiteStore) PutRemediations(ctx context.Context, runID string, remediations []model.RemediationRecord) error {
	return s.putDoc(ctx, "run_remediations", runID, remediations)
}

func (s *SQLiteStore) GetRemediations(ctx context.Context, runID string) ([]model.RemediationRecord, error) {
	var rems []model.RemediationRecord
	_, err := s.getDoc(ctx, "run_remediations", runID, &rems)
	return rems, err
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	return s.putDoc(ctx, "run_checkpoints", cp.RunID, cp)
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	found, err := s.getDoc(ctx, "run_checkpoints", runID, &cp)
	if err != nil || !found {
		return nil, err
	}
	return &cp, nil
}

// putDoc upserts the JSON document for runID in table. table is always one
// of the constant names above.
func (s *SQLiteStore) putDoc(ctx context.Context, table, runID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal %s", table)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (run_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		runID, string(data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put %s %s", table, runID)
}

func (s *SQLiteStore) getDoc(ctx context.Context, table, runID string, dest any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+table+` WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: get %s %s", table, runID)
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, eris.Wrapf(err, "sqlite: unmarshal %s %s", table, runID)
	}
	return true, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var r model.PipelineRun
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "unmarshal run")
	}
	return &r, nil
}
