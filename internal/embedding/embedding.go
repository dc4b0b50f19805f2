// Package embedding abstracts text-to-vector providers for the clustering
// aggregator. The daemon works without one; clustering then falls back to
// token overlap.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider turns texts into fixed-dimension vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider   string // "", "ollama", "openai", "openrouter", "mock"
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
}

// New builds the configured provider. An empty provider name returns
// (nil, nil): embedding is optional.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "ollama":
		return newOllamaProvider(cfg)
	case "openai", "openrouter":
		return newOpenAIProvider(cfg)
	case "mock":
		return NewMockProvider(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// or 0 for degenerate inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
