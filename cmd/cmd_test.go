package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/pipeline"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []pipeline.StatusResult{
		{
			RunID:     "abc12345-6789-0000-0000-000000000000",
			Status:    model.RunStatusAwaitingApproval,
			Stats:     pipeline.Stats{Raw: 3, Confirmed: 2, ReductionPercent: 33.3},
			CreatedAt: now,
		},
		{
			RunID:        "def12345-6789-0000-0000-000000000000",
			Status:       model.RunStatusAnalyzing,
			CurrentStage: "analysis",
			CreatedAt:    now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "REDUCTION")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "awaiting_approval")
	assert.Contains(t, out, "33.3%")
	assert.Contains(t, out, "analysis")
	assert.Contains(t, out, "2025-06-15 10:30")
}

func TestFormatRecords(t *testing.T) {
	res := &pipeline.RecordsResult{Records: []model.EnrichedRecord{{
		RawRecord: model.RawRecord{
			ID: "inj-1", Severity: model.SeverityHigh, Category: model.CategoryInjection,
			Title: "SQL injection", Location: model.Location{StartLine: 5},
		},
		Confirmed: true,
	}}}

	var buf bytes.Buffer
	formatRecords(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "inj-1")
	assert.Contains(t, out, "SQL injection")
	assert.Contains(t, out, "true")
}

func TestShortIDAndDash(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("123456789"))
	assert.Equal(t, "-", dash(""))
	assert.Equal(t, "x", dash("x"))
}

func sampleExport() *pipeline.Export {
	return &pipeline.Export{
		Run: model.PipelineRun{ID: "run-1", Status: model.RunStatusCompleted, TotalRaw: 1, TotalConfirmed: 1},
		Records: []model.EnrichedRecord{{
			RawRecord: model.RawRecord{
				ID: "sec-1", Category: model.CategorySecrets, Severity: model.SeverityCritical,
				Title: "Hardcoded API key", Location: model.Location{StartLine: 6},
			},
			Confirmed: true,
		}},
		Remediations: []model.RemediationRecord{},
	}
}

func TestWriteExport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeExport(&buf, "sarif", "app.py", sampleExport()))
	assert.Contains(t, buf.String(), `"version": "2.1.0"`)
	assert.Contains(t, buf.String(), `"uri": "app.py"`)

	buf.Reset()
	require.NoError(t, writeExport(&buf, "markdown", "", sampleExport()))
	assert.Contains(t, buf.String(), "### [CRITICAL] Hardcoded API key")

	buf.Reset()
	require.NoError(t, writeExport(&buf, "json", "", sampleExport()))
	var exp pipeline.Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &exp))
	assert.Equal(t, "run-1", exp.Run.ID)

	err := writeExport(&buf, "xml", "", sampleExport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown export format")
}

func TestLoadArtifact(t *testing.T) {
	art, err := loadArtifact(strings.NewReader("print(1)\n"), "", "", "-")
	require.NoError(t, err)
	assert.Equal(t, "stdin", art.Path)
	assert.Equal(t, "print(1)\n", art.Code)

	path := filepath.Join(t.TempDir(), "app.py")
	require.NoError(t, os.WriteFile(path, []byte("import os\n"), 0o644))
	art, err = loadArtifact(nil, "", "", path)
	require.NoError(t, err)
	assert.Equal(t, "python", art.Language)

	empty := filepath.Join(t.TempDir(), "empty.py")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = loadArtifact(nil, "", "", empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "secpipe.db")},
		Pipeline: config.PipelineConfig{
			Engine:                "local",
			MaxCodeChars:          1000,
			TokenBudget:           2000,
			PromptOverheadTokens:  100,
			ApprovalTimeoutHours:  1,
			ApprovalTimeoutPolicy: "complete",
		},
	}
}

func TestInitApp_ReadOnly(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)

	env, err := initApp(context.Background(), "")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Backend)
	assert.Nil(t, env.Temporal)
	assert.Nil(t, env.Notifier)
	require.NotNil(t, env.Local)

	_, err = env.Service.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)

	_, err = unavailableBackend{}.Infer(context.Background(), "", "")
	assert.Error(t, err)
}

func TestInitApp_InvalidConfig(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"

	_, err := initApp(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestInitApp_BackendModeNeedsKey(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)
	cfg.Backend.Provider = "anthropic"

	_, err := initApp(context.Background(), "backend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.anthropic.key")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "worker", "submit", "approve", "runs", "export", "sweep"} {
		assert.True(t, names[want], want)
	}
}

func TestSweepJob(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = testConfig(t)
	cfg.Pipeline.SweepIntervalMins = 15

	env, err := initApp(context.Background(), "")
	require.NoError(t, err)
	defer env.Close()

	j := sweepJob(env)
	assert.Equal(t, "approval_sweep", j.Name)
	assert.Equal(t, 15*time.Minute, j.Interval)
	assert.True(t, j.Immediate)
	require.NoError(t, j.Run(context.Background()))
}
