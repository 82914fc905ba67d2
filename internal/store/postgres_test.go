package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	data, err := json.Marshal(model.PipelineRun{ID: "run-1", Status: model.RunStatusAwaitingApproval, TotalRaw: 4})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAwaitingApproval, run.Status)
	assert.Equal(t, 4, run.TotalRaw)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutRun_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("run-1", "u1", "triaging", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutRun(context.Background(), &model.PipelineRun{
		ID: "run-1", UserID: "u1", Status: model.RunStatusTriaging, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a, _ := json.Marshal(model.PipelineRun{ID: "a", UserID: "alice"})

	mock.ExpectQuery(`SELECT data FROM runs WHERE 1=1 AND status = \$1 AND user_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("completed", "alice", 100).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(a))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusCompleted, UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutRecords_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO run_records .* ON CONFLICT \(run_id\)`).
		WithArgs("run-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutRecords(context.Background(), "run-1", []model.EnrichedRecord{{RunID: "run-1"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCheckpoint_Absent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM run_checkpoints WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)

	cp, err := s.GetCheckpoint(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRemediations_DBError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM run_remediations`).
		WithArgs("run-1").
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetRemediations(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: get run_remediations")
	assert.NoError(t, mock.ExpectationsWereMet())
}
