package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/model"
)

func TestMerge_KeepsMostSevere(t *testing.T) {
	sets := [][]model.RawRecord{
		{rawRecord("inj-1", model.CategoryInjection, model.SeverityHigh, 23, "SQL injection", "CWE-89")},
		{rawRecord("auth-1", model.CategoryAuth, model.SeverityCritical, 23, "Query built from input", "cwe-89")},
	}

	got := Merge(sets)
	require.Len(t, got, 1)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, "auth-1", got[0].ID)
}

func TestMerge_TieKeepsFirstSeen(t *testing.T) {
	sets := [][]model.RawRecord{
		{rawRecord("a", model.CategoryInjection, model.SeverityHigh, 10, "Same title", "")},
		{rawRecord("b", model.CategoryXSS, model.SeverityHigh, 10, "  same   TITLE ", "")},
	}

	got := Merge(sets)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestMerge_DistinctKeysPreserveOrder(t *testing.T) {
	sets := [][]model.RawRecord{
		{rawRecord("a", model.CategoryInjection, model.SeverityLow, 10, "A", "")},
		{rawRecord("b", model.CategoryInjection, model.SeverityLow, 11, "A", "")},
		{rawRecord("c", model.CategoryInjection, model.SeverityLow, 10, "B", "")},
		{rawRecord("d", model.CategoryInjection, model.SeverityCritical, 10, "A", "")},
	}

	got := Merge(sets)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"d", "b", "c"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMerge_TitleNeverCollidesWithCWE(t *testing.T) {
	byTitle := rawRecord("a", model.CategoryOther, model.SeverityLow, 3, "CWE-89", "")
	byCWE := rawRecord("b", model.CategoryInjection, model.SeverityLow, 3, "SQL injection", "CWE-89")
	withColon := rawRecord("c", model.CategoryOther, model.SeverityLow, 3, "CWE-89:extra", "")

	got := Merge([][]model.RawRecord{{byTitle, byCWE, withColon}})
	assert.Len(t, got, 3)
	assert.NotEqual(t, KeyOf(byTitle), KeyOf(byCWE))
}

func TestMerge_CWEBeatsTitle(t *testing.T) {
	got := Merge([][]model.RawRecord{
		{rawRecord("a", model.CategoryInjection, model.SeverityMedium, 5, "First wording", "CWE-79")},
		{rawRecord("b", model.CategoryXSS, model.SeverityHigh, 5, "Second wording", "79")},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestMerge_EmptyAndNil(t *testing.T) {
	assert.Empty(t, Merge(nil))
	assert.NotNil(t, Merge(nil))
	assert.Empty(t, Merge([][]model.RawRecord{{}, nil, {}}))
}

func TestMerge_DuplicateIDsAcrossStages(t *testing.T) {
	got := Merge([][]model.RawRecord{
		{rawRecord("finding-1", model.CategoryAuth, model.SeverityHigh, 1, "A", "")},
		{rawRecord("finding-1", model.CategorySecrets, model.SeverityHigh, 2, "B", "")},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "finding-1", got[0].ID)
	assert.Equal(t, "finding-1-2", got[1].ID)
}

func TestNormalizeCWE(t *testing.T) {
	assert.Equal(t, "CWE-89", normalizeCWE("cwe-89"))
	assert.Equal(t, "CWE-89", normalizeCWE("CWE 89"))
	assert.Equal(t, "CWE-89", normalizeCWE("89"))
	assert.Equal(t, "", normalizeCWE("  "))
	assert.Equal(t, "NVD-CWE-OTHER", normalizeCWE("NVD-CWE-Other"))
}

func TestFallbackFromRiskAreas(t *testing.T) {
	triage := &model.TriageResult{RiskAreas: []model.RiskArea{
		{Category: model.CategoryInjection, Confidence: "high", Locations: []int{2, 3}, Reason: "concat"},
		{Category: model.CategoryPathTraversal, Confidence: "medium", Locations: []int{4}},
		{Category: model.CategoryCrypto, Confidence: "low"},
	}}
	code := "line1\nline2\nline3\nline4"

	got := FallbackFromRiskAreas(triage, code)
	require.Len(t, got, 3)

	assert.Equal(t, "triage-0", got[0].ID)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, "Injection vulnerability detected", got[0].Title)
	assert.Equal(t, "concat", got[0].Description)
	assert.Equal(t, model.Location{StartLine: 2, EndLine: 3, Snippet: "line2\nline3"}, got[0].Location)

	assert.Equal(t, model.SeverityHigh, got[1].Severity)
	assert.Equal(t, "line4", got[1].Location.Snippet)

	assert.Equal(t, model.SeverityMedium, got[2].Severity)
	assert.Equal(t, 1, got[2].Location.StartLine)
	assert.Equal(t, "line1", got[2].Location.Snippet)
}

func TestFallbackFromRiskAreas_NoSignal(t *testing.T) {
	assert.Empty(t, FallbackFromRiskAreas(nil, "x"))
	assert.Empty(t, FallbackFromRiskAreas(&model.TriageResult{}, "x"))
}

func TestSliceLines_Clamps(t *testing.T) {
	lines := []string{"a", "b"}
	assert.Equal(t, "a\nb", sliceLines(lines, 0, 9))
	assert.Equal(t, "", sliceLines(lines, 5, 9))
}
