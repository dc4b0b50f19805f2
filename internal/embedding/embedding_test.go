package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockDeterministic(t *testing.T) {
	p := NewMockProvider(0)
	if p.Dimensions() != 64 {
		t.Errorf("default dimensions: got %d", p.Dimensions())
	}

	a, err := p.Embed(context.Background(), []string{"hello", "hello", "world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 3 || len(a[0]) != 64 {
		t.Fatalf("shape: %d x %d", len(a), len(a[0]))
	}
	if CosineSimilarity(a[0], a[1]) < 0.999 {
		t.Error("identical texts should have identical vectors")
	}
	if sim := CosineSimilarity(a[0], a[2]); math.Abs(sim) > 0.99 {
		t.Errorf("distinct texts should differ, sim=%f", sim)
	}

	for _, v := range a[0] {
		if v < -1 || v >= 1 {
			t.Fatalf("component %f out of [-1, 1)", v)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-6 {
		t.Errorf("parallel: %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-6 {
		t.Errorf("orthogonal: %f", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("zero vector: %f", got)
	}
	if got := CosineSimilarity([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched dims: %f", got)
	}
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth header: %q", auth)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		resp := embeddingResponse{}
		// Return out of order to exercise index-based placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := New(Config{Provider: "openai", BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0 || vecs[1][0] != 1 {
		t.Errorf("vectors misordered: %+v", vecs)
	}
	if p.Dimensions() != 2 {
		t.Errorf("dimensions: got %d", p.Dimensions())
	}
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p, err := New(Config{Provider: "openrouter", BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("expected error on 429")
	}
}

func TestNewFactory(t *testing.T) {
	p, err := New(Config{})
	if err != nil || p != nil {
		t.Errorf("empty provider: got %v, %v", p, err)
	}
	if _, err := New(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider accepted")
	}
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("openai without api key accepted")
	}
	p, err = New(Config{Provider: "mock", Dimensions: 16})
	if err != nil || p.Dimensions() != 16 {
		t.Errorf("mock: %v, %v", p, err)
	}
}
