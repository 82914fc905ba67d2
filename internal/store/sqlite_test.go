package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "secpipe.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun(id, user string, status model.RunStatus, created time.Time) *model.PipelineRun {
	return &model.PipelineRun{
		ID:        id,
		UserID:    user,
		Code:      "print('hi')",
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_PutGetRun(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	run := testRun("run-1", "u1", model.RunStatusPending, now)
	require.NoError(t, s.PutRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, "print('hi')", got.Code)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestSQLiteStore_PutRunReplacesWholeValue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := testRun("run-1", "u1", model.RunStatusAnalyzing, now)
	run.TotalRaw = 7
	run.Error = "old"
	require.NoError(t, s.PutRun(ctx, run))

	replaced := testRun("run-1", "u1", model.RunStatusFiltering, now)
	require.NoError(t, s.PutRun(ctx, replaced))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFiltering, got.Status)
	assert.Zero(t, got.TotalRaw)
	assert.Empty(t, got.Error)
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteStore_ListRunsFilters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.PutRun(ctx, testRun("a", "alice", model.RunStatusCompleted, base)))
	require.NoError(t, s.PutRun(ctx, testRun("b", "alice", model.RunStatusAwaitingApproval, base.Add(time.Minute))))
	require.NoError(t, s.PutRun(ctx, testRun("c", "bob", model.RunStatusAwaitingApproval, base.Add(2*time.Minute))))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	alice, err := s.ListRuns(ctx, RunFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	waiting, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusAwaitingApproval, Limit: 1})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "c", waiting[0].ID)

	paged, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "b", paged[0].ID)
}

func TestSQLiteStore_RecordsRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRun(ctx, testRun("run-1", "", model.RunStatusFiltering, time.Now())))

	none, err := s.GetRecords(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	records := []model.EnrichedRecord{{
		RawRecord: model.RawRecord{ID: "sec-1", Category: model.CategorySecrets, Severity: model.SeverityHigh},
		RunID:     "run-1",
		Confirmed: true,
	}}
	require.NoError(t, s.PutRecords(ctx, "run-1", records))

	got, err := s.GetRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sec-1", got[0].ID)
	assert.True(t, got[0].Confirmed)

	require.NoError(t, s.PutRecords(ctx, "run-1", []model.EnrichedRecord{}))
	got, err = s.GetRecords(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteStore_RemediationsRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRun(ctx, testRun("run-1", "", model.RunStatusRemediating, time.Now())))

	rems := []model.RemediationRecord{{ID: "rem-1", RecordID: "inj-1", RunID: "run-1", FixedSnippet: "db.Query(q, id)"}}
	require.NoError(t, s.PutRemediations(ctx, "run-1", rems))

	got, err := s.GetRemediations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inj-1", got[0].RecordID)
}

func TestSQLiteStore_CheckpointRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRun(ctx, testRun("run-1", "", model.RunStatusAnalyzing, time.Now())))

	cp, err := s.GetCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.PutCheckpoint(ctx, &model.Checkpoint{
		RunID:    "run-1",
		Triage:   &model.TriageResult{Language: "go"},
		Analyzed: true,
		TotalRaw: 3,
	}))

	cp, err = s.GetCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Analyzed)
	assert.Equal(t, 3, cp.TotalRaw)
	assert.Equal(t, "go", cp.Triage.Language)
}

func TestSQLiteStore_ConcurrentRunsDistinctKeys(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, s.PutRun(ctx, testRun(id, "", model.RunStatusPending, time.Now())))
		}(id)
	}
	wg.Wait()

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}
