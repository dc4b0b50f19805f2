package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	labelerModel          = "claude-3-5-haiku-20241022"
	labelerMaxRetries     = 3
	labelerInitialBackoff = 1 * time.Second
	labelerSampleLimit    = 10
)

// ErrAPIKeyRequired is returned when labeling is enabled without a key.
var ErrAPIKeyRequired = errors.New("API key required")

// Labeler rewrites a cluster's representative text into a short, readable
// insight summary using a small LLM. Optional: without it, insights carry
// the raw representative member text.
type Labeler struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// NewLabeler creates a labeling client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit key.
func NewLabeler(apiKey string) (*Labeler, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or aggregation.labeler-api-key", ErrAPIKeyRequired)
	}
	return &Labeler{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          labelerModel,
		maxRetries:     labelerMaxRetries,
		initialBackoff: labelerInitialBackoff,
	}, nil
}

// Label produces a one-line summary for a cluster of similar observations.
func (l *Labeler) Label(ctx context.Context, insightType, model string, samples []string) (string, error) {
	if len(samples) > labelerSampleLimit {
		samples = samples[:labelerSampleLimit]
	}

	var b strings.Builder
	b.WriteString("These observations were recorded repeatedly across coding-agent sessions")
	if model != "" {
		b.WriteString(" with the model " + model)
	}
	b.WriteString(" and clustered as the same underlying ")
	b.WriteString(strings.ReplaceAll(insightType, "_", " "))
	b.WriteString(".\n\n")
	for _, s := range samples {
		b.WriteString("- " + s + "\n")
	}
	b.WriteString("\nWrite ONE sentence that states the shared insight precisely. " +
		"No preamble, no quotes, just the sentence.")

	out, err := l.callWithRetry(ctx, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (l *Labeler) callWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := l.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) > 0 && message.Content[0].Type == "text" {
				return message.Content[0].Text, nil
			}
			return "", fmt.Errorf("unexpected response format: no text block")
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !labelerRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", l.maxRetries+1, lastErr)
}

func labelerRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
