package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/agentdesk/agentd/memory"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder returns an Embedder backed by a local Ollama server. The host
// is taken from OLLAMA_HOST or the default localhost port.
func NewEmbedder(model Model) (memory.Embedder, error) {
	if model == "" {
		model = ModelMXBAI
	}
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed returned no vectors")
	}
	return resp.Embeddings[0], nil
}
