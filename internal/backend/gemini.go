package backend

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/resilience"
)

// Gemini implements Backend with Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini backend from config.
func NewGemini(ctx context.Context, cfg config.GeminiConfig) (*Gemini, error) {
	if cfg.Key == "" {
		return nil, eris.New("backend: gemini key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.Key))
	if err != nil {
		return nil, eris.Wrap(err, "backend: create gemini client")
	}
	return &Gemini{client: client, model: cfg.Model}, nil
}

func (g *Gemini) Infer(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(temperature)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		if isTransientGRPC(err) {
			return "", resilience.NewTransientError(err, 0)
		}
		return "", eris.Wrap(err, "backend: gemini infer")
	}
	return geminiText(resp)
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

func isTransientGRPC(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", eris.New("backend: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", eris.New("backend: gemini returned no content")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", eris.New("backend: gemini returned no text parts")
	}
	return strings.Join(parts, ""), nil
}
