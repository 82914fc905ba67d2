package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/model"
)

func specNamed(t *testing.T, name string) StageSpec {
	t.Helper()
	for _, s := range Specialists() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no specialist %q", name)
	return StageSpec{}
}

func mustTriage(t *testing.T, text string) *model.TriageResult {
	t.Helper()
	tr, err := parseTriage(text)
	require.NoError(t, err)
	return tr
}

func TestSpecialists_Layout(t *testing.T) {
	specs := Specialists()
	require.Len(t, specs, 4)
	names := []string{specs[0].Name, specs[1].Name, specs[2].Name, specs[3].Name}
	assert.Equal(t, []string{StageDependency, StageAuth, StageInjection, StageSecrets}, names)
	for _, s := range specs {
		assert.NotEmpty(t, s.Prompt.System, s.Name)
		assert.Contains(t, s.Prompt.User, "{code}", s.Name)
	}
}

func TestGates(t *testing.T) {
	quiet := mustTriage(t, quietTriageJSON)
	busy := mustTriage(t, triageJSON)

	assert.False(t, authGate(quiet))
	assert.True(t, authGate(busy))
	assert.True(t, authGate(&model.TriageResult{RiskAreas: []model.RiskArea{{Category: model.CategoryAuth}}}))
	assert.True(t, authGate(&model.TriageResult{EntryPoints: []model.EntryPoint{{Kind: model.EntryWebSocket}}}))
	assert.False(t, authGate(&model.TriageResult{EntryPoints: []model.EntryPoint{{Kind: model.EntryCLI}}}))

	assert.False(t, injectionGate(quiet))
	assert.True(t, injectionGate(busy))
	assert.True(t, injectionGate(&model.TriageResult{EntryPoints: []model.EntryPoint{{Kind: model.EntryCLI}}}))
	assert.True(t, injectionGate(&model.TriageResult{FlowMap: model.FlowMap{Sinks: []string{"n"}}}))
	assert.True(t, injectionGate(&model.TriageResult{RiskAreas: []model.RiskArea{{Category: model.CategorySSRF}}}))
}

func TestExecute_GateOffSkipsBackend(t *testing.T) {
	m := &mockBackend{}
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageAuth), StageContext{
		RunID: "run-1", Code: sampleCode, Triage: mustTriage(t, quietTriageJSON),
	})
	assert.Empty(t, got)
	m.AssertNotCalled(t, "Infer", mock.Anything, mock.Anything)
}

func TestExecute_MissingTriageIsNoOp(t *testing.T) {
	m := &mockBackend{}
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageDependency), StageContext{RunID: "run-1", Code: sampleCode})
	assert.NotNil(t, got)
	assert.Empty(t, got)
	m.AssertNotCalled(t, "Infer", mock.Anything, mock.Anything)
}

func TestExecute_SecretsPinsCategory(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageSecrets, mock.MatchedBy(func(user string) bool {
		return strings.Contains(user, "sk-live-123")
	})).Return(`[{"category":"auth","severity":"critical","title":"Hardcoded API key","location":{"startLine":6,"endLine":6,"snippet":"API_KEY = ..."},"cweId":"CWE-798"}]`, nil)
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageSecrets), StageContext{RunID: "run-1", Code: sampleCode})
	require.Len(t, got, 1)
	assert.Equal(t, model.CategorySecrets, got[0].Category)
	assert.Equal(t, model.SeverityCritical, got[0].Severity)
	assert.Equal(t, StageSecrets, got[0].Stage)
	assert.Equal(t, 6, got[0].Location.StartLine)
	assert.True(t, strings.HasPrefix(got[0].ID, "sec-"))
	m.AssertExpectations(t)
}

func TestExecute_InjectionDefaultsCategory(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageInjection, mock.MatchedBy(func(user string) bool {
		return strings.Contains(user, "cursor.execute")
	})).Return("```json\n[{\"title\":\"SQL injection\",\"severity\":\"high\",\"location\":{\"startLine\":5}},{\"title\":\"Reflected XSS\",\"category\":\"xss\",\"severity\":\"medium\",\"location\":{\"startLine\":4}}]\n```", nil)
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageInjection), StageContext{
		RunID: "run-1", Code: sampleCode, Triage: mustTriage(t, triageJSON),
	})
	require.Len(t, got, 2)
	assert.Equal(t, model.CategoryInjection, got[0].Category)
	assert.Equal(t, model.CategoryXSS, got[1].Category)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestExecute_ExhaustedRetriesYieldEmpty(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageDependency, mock.Anything).Return("", errors.New("backend down"))
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageDependency), StageContext{
		RunID: "run-1", Code: sampleCode, Triage: mustTriage(t, triageJSON),
	})
	assert.NotNil(t, got)
	assert.Empty(t, got)
	m.AssertNumberOfCalls(t, "Infer", 3)
}

func TestExecute_ParseFailureNotRetried(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageSecrets, mock.Anything).Return("I did not find anything worth reporting.", nil)
	e := newTestExecutor(m)

	got := e.Execute(context.Background(), specNamed(t, StageSecrets), StageContext{RunID: "run-1", Code: sampleCode})
	assert.Empty(t, got)
	m.AssertNumberOfCalls(t, "Infer", 1)
}

func TestExecute_RetrySucceedsWithStableIDs(t *testing.T) {
	response := `[{"title":"Outdated yaml","severity":"high","location":{"startLine":1}}]`

	m := &mockBackend{}
	m.On("Infer", StageDependency, mock.Anything).Return("", errors.New("overloaded")).Once()
	m.On("Infer", StageDependency, mock.Anything).Return(response, nil)
	e := newTestExecutor(m)
	sc := StageContext{RunID: "run-1", Code: sampleCode, Triage: mustTriage(t, triageJSON)}

	first := e.Execute(context.Background(), specNamed(t, StageDependency), sc)
	second := e.Execute(context.Background(), specNamed(t, StageDependency), sc)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, model.CategoryDependency, first[0].Category)
	m.AssertNumberOfCalls(t, "Infer", 3)
}

func TestTriage_RetriesInvalidResponse(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageTriage, mock.Anything).Return(`{"framework":"flask"}`, nil).Once()
	m.On("Infer", StageTriage, mock.Anything).Return(triageJSON, nil)
	e := newTestExecutor(m)

	got, err := e.Triage(context.Background(), "run-1", sampleCode)
	require.NoError(t, err)
	assert.Equal(t, "python", got.Language)
	m.AssertNumberOfCalls(t, "Infer", 2)
}

func TestTriage_ExhaustionIsError(t *testing.T) {
	m := &mockBackend{}
	m.On("Infer", StageTriage, mock.Anything).Return("not json", nil)
	e := newTestExecutor(m)

	_, err := e.Triage(context.Background(), "run-1", sampleCode)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	m.AssertNumberOfCalls(t, "Infer", 3)
}

func TestPrompt_Render(t *testing.T) {
	p := Prompt{User: "code={code} ctx={context} again={code}"}
	assert.Equal(t, "code=x ctx={} again=x", p.Render(map[string]string{"code": "x", "context": "{}"}))

	all, err := LoadPrompts()
	require.NoError(t, err)
	assert.Contains(t, all, StageFilter)
	assert.Contains(t, all, StageRemediation)
}
