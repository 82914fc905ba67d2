package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/backend"
	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/resilience"
	"github.com/sells-group/secpipe/internal/store"
)

// --- Backend Mock ---

// mockBackend dispatches on the stage label the executor puts on ctx.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Infer(ctx context.Context, _, userPrompt string) (string, error) {
	args := m.Called(backend.StageFrom(ctx), userPrompt)
	return args.String(0), args.Error(1)
}

// --- Notifier Mock ---

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []model.RunStatus
}

func (n *recordingNotifier) RunChanged(_ context.Context, run model.PipelineRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, run.Status)
}

func (n *recordingNotifier) seen() []model.RunStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.RunStatus(nil), n.statuses...)
}

// --- Fixtures ---

const sampleCode = `from flask import request
@app.route("/users")
def users():
    name = request.args["name"]
    cursor.execute("SELECT * FROM users WHERE name = '" + name + "'")
API_KEY = "sk-live-123"`

const triageJSON = `{
  "language": "python",
  "framework": "flask",
  "codeType": "backend",
  "dataFlowMap": {
    "nodes": [
      {"id": "n1", "type": "source", "name": "request.args", "location": {"line": 4}},
      {"id": "n2", "type": "sink", "name": "cursor.execute", "location": {"line": 5}}
    ],
    "edges": [{"from": "n1", "to": "n2"}],
    "entryPoints": ["n1"],
    "sinks": ["n2"]
  },
  "entryPoints": [
    {"type": "http", "name": "GET /users", "location": {"line": 2, "function": "users"}, "parameters": ["name"]}
  ],
  "riskAreas": [
    {"category": "injection", "confidence": "high", "locations": [5], "reason": "string concatenation in SQL"}
  ]
}`

const quietTriageJSON = `{"language": "python", "dataFlowMap": {"nodes": [], "edges": [], "entryPoints": [], "sinks": []}, "entryPoints": [], "riskAreas": []}`

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: 2 * time.Second,
	}
}

func newTestExecutor(b backend.Backend) *Executor {
	return NewExecutor(b, fastRetry(), fastRetry())
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Engine:                "local",
		MaxCodeChars:          80000,
		TokenBudget:           24000,
		PromptOverheadTokens:  4000,
		StageAttempts:         3,
		StageInitialBackoffMs: 1,
		StageMaxBackoffMs:     2,
		StageTimeoutSecs:      2,
		FilterTimeoutSecs:     2,
		ApprovalTimeoutHours:  168,
		ApprovalTimeoutPolicy: TimeoutPolicyComplete,
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "secpipe.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPipeline(t *testing.T, b backend.Backend, cfg config.PipelineConfig) (*Pipeline, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	p := New(newTestStore(t), b, n, cfg)
	p.exec = newTestExecutor(b)
	return p, n
}

// newGuardedPipeline drives the pipeline through the production decorator
// stack: rate limiter plus per-stage circuit breakers.
func newGuardedPipeline(t *testing.T, m *mockBackend, cbCfg resilience.CircuitBreakerConfig) (*Pipeline, *backend.Guarded) {
	t.Helper()
	g := backend.NewGuarded(m, 0, 1, cbCfg)
	p, _ := newTestPipeline(t, g, testPipelineConfig())
	return p, g
}

func createTestRun(t *testing.T, p *Pipeline) *model.PipelineRun {
	t.Helper()
	run, err := p.CreateRun(context.Background(), sampleCode, "", "user-1", nil)
	require.NoError(t, err)
	return run
}

func rawRecord(id string, cat model.Category, sev model.Severity, line int, title, cwe string) model.RawRecord {
	return model.RawRecord{
		ID:       id,
		Category: cat,
		Severity: sev,
		Title:    title,
		Location: model.Location{StartLine: line, EndLine: line},
		CWEID:    cwe,
	}
}
