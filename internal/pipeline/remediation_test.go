package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/model"
)

func TestSelectApproved(t *testing.T) {
	records := []model.EnrichedRecord{
		enriched(rawRecord("inj-1", model.CategoryInjection, model.SeverityHigh, 5, "SQL injection", ""), true),
		enriched(rawRecord("auth-1", model.CategoryAuth, model.SeverityLow, 2, "Weak check", ""), false),
		enriched(rawRecord("sec-1", model.CategorySecrets, model.SeverityCritical, 6, "Key", ""), true),
	}

	got := SelectApproved(records, []string{"sec-1", "auth-1", "nope", "inj-1"})
	require.Len(t, got, 2)
	assert.Equal(t, "inj-1", got[0].ID)
	assert.Equal(t, "sec-1", got[1].ID)

	assert.Empty(t, SelectApproved(records, nil))
	assert.NotNil(t, SelectApproved(nil, []string{"x"}))
}

func TestRemediate_EmptyApprovedSkipsBackend(t *testing.T) {
	m := &mockBackend{}
	e := newTestExecutor(m)

	got, err := e.Remediate(context.Background(), "run-1", sampleCode, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
	m.AssertNotCalled(t, "Infer", mock.Anything, mock.Anything)
}

func TestRemediate_MapsFixesAndDropsUnknownRecords(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageRemediation, mock.MatchedBy(func(user string) bool {
		return strings.Contains(user, "inj-1")
	})).Return(`{"remediations": [
		{"findingId": "inj-1", "originalCode": "cursor.execute(q + name)",
		 "fixedCode": "cursor.execute(q, (name,))", "explanation": "use a bound parameter",
		 "diffHunks": [{"startLine": 5, "endLine": 5, "original": "cursor.execute(q + name)", "fixed": "cursor.execute(q, (name,))"}]},
		{"findingId": "ghost-9", "fixedCode": "pass"}
	]}`, nil)
	e := newTestExecutor(m)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	approved := []model.EnrichedRecord{
		enriched(rawRecord("inj-1", model.CategoryInjection, model.SeverityHigh, 5, "SQL injection", "CWE-89"), true),
	}
	got, err := e.Remediate(context.Background(), "run-1", sampleCode, approved, now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	rem := got[0]
	assert.True(t, strings.HasPrefix(rem.ID, "rem-"))
	assert.Equal(t, "inj-1", rem.RecordID)
	assert.Equal(t, "run-1", rem.RunID)
	assert.Equal(t, "cursor.execute(q, (name,))", rem.FixedSnippet)
	assert.Equal(t, "use a bound parameter", rem.Explanation)
	assert.Equal(t, now, rem.CreatedAt)
	require.Len(t, rem.DiffHunks, 1)
	assert.Equal(t, model.DiffHunk{StartLine: 5, EndLine: 5, Original: "cursor.execute(q + name)", Fixed: "cursor.execute(q, (name,))"}, rem.DiffHunks[0])
}

func TestRemediate_ExhaustionIsError(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageRemediation, mock.Anything).Return("", errors.New("overloaded"))
	e := newTestExecutor(m)

	approved := []model.EnrichedRecord{
		enriched(rawRecord("inj-1", model.CategoryInjection, model.SeverityHigh, 5, "SQL injection", ""), true),
	}
	_, err := e.Remediate(context.Background(), "run-1", sampleCode, approved, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: remediation")
	m.AssertNumberOfCalls(t, "Infer", 3)
}

func TestRemediate_UnparseableYieldsNothing(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageRemediation, mock.Anything).Return("Here is how I would fix it: use parameters.", nil)
	e := newTestExecutor(m)

	approved := []model.EnrichedRecord{
		enriched(rawRecord("inj-1", model.CategoryInjection, model.SeverityHigh, 5, "SQL injection", ""), true),
	}
	got, err := e.Remediate(context.Background(), "run-1", sampleCode, approved, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
