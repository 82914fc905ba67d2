package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/config"
)

// Job is one periodic maintenance task run by a Checker.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// Immediate runs the job once at start instead of waiting a full interval.
	Immediate bool
}

// Checker runs maintenance jobs on their own cadence until stopped. serve
// uses it for alert checks and the approval sweep.
type Checker struct {
	jobs []Job
}

// NewChecker creates a checker. Jobs without a positive interval or a Run
// func are skipped.
func NewChecker(jobs ...Job) *Checker {
	c := &Checker{}
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			c.jobs = append(c.jobs, j)
		}
	}
	return c
}

// Jobs returns the scheduled job names.
func (c *Checker) Jobs() []string {
	names := make([]string, 0, len(c.jobs))
	for _, j := range c.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks until ctx is cancelled and every job loop has returned.
func (c *Checker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range c.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func loop(ctx context.Context, j Job) {
	log := zap.L().With(zap.String("component", "monitoring.checker"), zap.String("job", j.Name))
	log.Info("starting job", zap.Duration("interval", j.Interval))

	if j.Immediate {
		runJob(ctx, j, log)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("job stopped")
			return
		case <-ticker.C:
			runJob(ctx, j, log)
		}
	}
}

func runJob(ctx context.Context, j Job, log *zap.Logger) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("monitoring: job failed", zap.Error(err))
		return
	}
	log.Debug("monitoring: job complete", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// AlertJob collects a metrics snapshot over the lookback window and posts
// any triggered alerts to the webhook.
func AlertJob(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) Job {
	interval := time.Duration(cfg.CheckIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return Job{
		Name:     "alerts",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := checkAlerts(ctx, collector, alerter, cfg)
			return err
		},
	}
}

func checkAlerts(ctx context.Context, collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) (int, error) {
	staleAfter := time.Duration(cfg.StaleApprovalHours) * time.Hour
	snap, err := collector.Collect(ctx, cfg.LookbackHours, staleAfter)
	if err != nil {
		return 0, err
	}

	alerts := alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return 0, nil
	}

	sent := alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent, nil
}
