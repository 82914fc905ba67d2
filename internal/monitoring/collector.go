// Package monitoring summarizes run health and reports it over webhooks.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/model"
	"github.com/sells-group/secpipe/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsInFlight  int     `json:"runs_in_flight"`
	FailureRate   float64 `json:"failure_rate"`

	// Noise reduction over runs that reached synthesis.
	RecordsRaw          int     `json:"records_raw"`
	RecordsConfirmed    int     `json:"records_confirmed"`
	AvgReductionPercent float64 `json:"avg_reduction_percent"`

	// Approval queue, regardless of window.
	AwaitingApproval int `json:"awaiting_approval"`
	StaleApprovals   int `json:"stale_approvals"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the lookback window. Runs awaiting
// approval for longer than staleAfter count as stale.
func (c *Collector) Collect(ctx context.Context, lookbackHours int, staleAfter time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var reductionSum float64
	var synthesized int
	for _, r := range runs {
		if r.Status == model.RunStatusAwaitingApproval {
			snap.AwaitingApproval++
			if staleAfter > 0 && now.Sub(r.UpdatedAt) > staleAfter {
				snap.StaleApprovals++
			}
		}
		if r.CreatedAt.Before(cutoff) {
			continue
		}

		snap.RunsTotal++
		switch {
		case r.Status == model.RunStatusCompleted:
			snap.RunsCompleted++
		case r.Status == model.RunStatusFailed:
			snap.RunsFailed++
		case r.Status != model.RunStatusAwaitingApproval:
			snap.RunsInFlight++
		}
		if r.ApprovalDeadline != nil {
			synthesized++
			snap.RecordsRaw += r.TotalRaw
			snap.RecordsConfirmed += r.TotalConfirmed
			reductionSum += r.ReductionPercent
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
	}
	if synthesized > 0 {
		snap.AvgReductionPercent = reductionSum / float64(synthesized)
	}
	return snap, nil
}
