package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockProvider hashes text into a deterministic pseudo-embedding. Similar
// texts do not get similar vectors; it exists so clustering code paths can
// be exercised without a model.
type MockProvider struct {
	dimensions int
}

// NewMockProvider creates a mock with the given dimensionality (default 64).
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &MockProvider{dimensions: dimensions}
}

func (p *MockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.hashVector(text)
	}
	return out, nil
}

func (p *MockProvider) hashVector(text string) []float32 {
	vec := make([]float32, p.dimensions)
	seed := sha256.Sum256([]byte(text))
	state := seed[:]
	for i := 0; i < p.dimensions; i += 8 {
		block := sha256.Sum256(state)
		state = block[:]
		for j := 0; j < 8 && i+j < p.dimensions; j++ {
			bits := binary.BigEndian.Uint32(block[j*4 : j*4+4])
			// Map to [-1, 1).
			vec[i+j] = float32(bits)/float32(math.MaxUint32)*2 - 1
		}
	}
	return vec
}

func (p *MockProvider) Dimensions() int { return p.dimensions }

func (p *MockProvider) ModelName() string { return "mock" }
