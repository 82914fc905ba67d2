package monitoring

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
)

// Webhook posts JSON payloads to a URL, retrying transport errors and 5xx
// responses.
type Webhook struct {
	url    string
	client *resty.Client
}

// NewWebhook creates a Webhook for url.
func NewWebhook(url string) *Webhook {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Webhook{url: url, client: client}
}

// Send posts payload as JSON.
func (w *Webhook) Send(ctx context.Context, payload any) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	if resp.IsError() {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode())
	}
	return nil
}
