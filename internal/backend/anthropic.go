package backend

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/resilience"
	"github.com/sells-group/secpipe/pkg/anthropic"
)

const temperature = 0.1

// Anthropic implements Backend with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates an Anthropic backend from config.
func NewAnthropic(cfg config.AnthropicConfig) *Anthropic {
	return NewAnthropicWithClient(anthropic.NewClient(cfg.Key), cfg.Model, cfg.MaxTokens)
}

// NewAnthropicWithClient creates an Anthropic backend around client.
func NewAnthropicWithClient(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

func (a *Anthropic) Infer(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	temp := temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt}},
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return "", resilience.NewTransientError(err, code)
		}
		return "", eris.Wrap(err, "backend: anthropic infer")
	}

	resp.Usage.LogCost(a.model, StageFrom(ctx))

	text := resp.Text()
	if text == "" {
		return "", eris.Errorf("backend: anthropic returned no text (stop_reason=%s)", resp.StopReason)
	}
	return text, nil
}
