package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/model"
)

func TestCheckAlerts_SendsStaleApprovalAlert(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestStore(t)
	now := time.Now().UTC()
	putRun(t, s, "waiting-1", model.RunStatusAwaitingApproval, now.Add(-80*time.Hour), nil)

	cfg := config.MonitoringConfig{
		WebhookURL:           srv.URL,
		FailureRateThreshold: 0.25,
		StaleApprovalHours:   72,
		LookbackHours:        24,
	}

	sent, err := checkAlerts(context.Background(), NewCollector(s), NewAlerter(cfg), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAlertJob_DefaultInterval(t *testing.T) {
	cfg := config.MonitoringConfig{}
	j := AlertJob(NewCollector(newTestStore(t)), NewAlerter(cfg), cfg)
	assert.Equal(t, "alerts", j.Name)
	assert.Equal(t, 5*time.Minute, j.Interval)
	assert.False(t, j.Immediate)
}

func TestNewChecker_SkipsUnschedulableJobs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	c := NewChecker(
		Job{Name: "sweep", Interval: time.Minute, Run: noop},
		Job{Name: "disabled", Interval: 0, Run: noop},
		Job{Name: "empty", Interval: time.Minute},
	)
	assert.Equal(t, []string{"sweep"}, c.Jobs())
}

func TestChecker_RunsJobsOnTheirOwnCadence(t *testing.T) {
	var fast, immediate, failing int32
	c := NewChecker(
		Job{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			atomic.AddInt32(&fast, 1)
			return nil
		}},
		Job{Name: "sweep", Interval: time.Hour, Immediate: true, Run: func(context.Context) error {
			atomic.AddInt32(&immediate, 1)
			return nil
		}},
		Job{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			atomic.AddInt32(&failing, 1)
			return errors.New("store unavailable")
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fast) >= 3 && atomic.LoadInt32(&failing) >= 3
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&immediate))
}
