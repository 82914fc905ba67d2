package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/secpipe/internal/model"
)

// RunEvent is posted when a run suspends for approval or finishes.
type RunEvent struct {
	Type             string          `json:"type"`
	RunID            string          `json:"run_id"`
	UserID           string          `json:"user_id,omitempty"`
	Status           model.RunStatus `json:"status"`
	Stage            string          `json:"stage,omitempty"`
	TotalRaw         int             `json:"total_raw"`
	TotalConfirmed   int             `json:"total_confirmed"`
	ReductionPercent float64         `json:"reduction_percent"`
	Error            string          `json:"error,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// WebhookNotifier posts a RunEvent for every status a reviewer acts on.
// Delivery is asynchronous so a slow endpoint never holds up a run.
type WebhookNotifier struct {
	hook *Webhook
	wg   sync.WaitGroup
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{hook: NewWebhook(url)}
}

func notable(s model.RunStatus) bool {
	return s == model.RunStatusAwaitingApproval || s.IsTerminal()
}

// RunChanged posts an event for runs that suspended or finished.
func (n *WebhookNotifier) RunChanged(ctx context.Context, run model.PipelineRun) {
	if !notable(run.Status) {
		return
	}
	ev := RunEvent{
		Type:             "run." + string(run.Status),
		RunID:            run.ID,
		UserID:           run.UserID,
		Status:           run.Status,
		Stage:            run.CurrentStage,
		TotalRaw:         run.TotalRaw,
		TotalConfirmed:   run.TotalConfirmed,
		ReductionPercent: run.ReductionPercent,
		Error:            run.Error,
		Timestamp:        run.UpdatedAt,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := n.hook.Send(sendCtx, ev); err != nil {
			zap.L().Warn("monitoring: run event not delivered",
				zap.String("run_id", ev.RunID),
				zap.String("status", string(ev.Status)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every pending delivery has finished.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}
