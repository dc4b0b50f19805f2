package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// ollamaProvider embeds via a local Ollama instance.
type ollamaProvider struct {
	client     *api.Client
	model      string
	dimensions int
}

func newOllamaProvider(cfg Config) (*ollamaProvider, error) {
	var client *api.Client
	if cfg.BaseURL != "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base url %q: %w", cfg.BaseURL, err)
		}
		client = api.NewClient(base, http.DefaultClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}

	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	return &ollamaProvider{client: client, model: model, dimensions: cfg.Dimensions}, nil
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	if p.dimensions == 0 && len(resp.Embeddings) > 0 {
		p.dimensions = len(resp.Embeddings[0])
	}
	return resp.Embeddings, nil
}

func (p *ollamaProvider) Dimensions() int { return p.dimensions }

func (p *ollamaProvider) ModelName() string { return p.model }
