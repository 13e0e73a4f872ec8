package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

// Summarizer compresses text with a small local model. The context assembler
// uses it to shrink low-priority chunks when the token budget is tight.
type Summarizer struct {
	client *api.Client
	model  string
}

func NewSummarizer(model string) (*Summarizer, error) {
	if model == "" {
		model = "llama3.2:3b"
	}
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Summarizer{client: cli, model: model}, nil
}

// Summarize rewrites text into a shorter form that keeps every fact. Lists
// collapse into comma-separated values.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}

	systemPrompt := `You are a text compression assistant. Rewrite the text shorter without dropping any fact.

Rules:
- Produce concise sentences or fragments
- Convert lists to comma-separated values
- Preserve names, numbers, paths, and error text exactly
- Plain text only (no markdown, no bullets)`

	stream := false
	req := &api.GenerateRequest{
		Model:  s.model,
		Prompt: fmt.Sprintf("Compress the following text:\n\n%s", text),
		System: systemPrompt,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.3,
		},
	}

	var out strings.Builder
	err := s.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", fmt.Errorf("received empty summary from model")
	}
	return summary, nil
}
