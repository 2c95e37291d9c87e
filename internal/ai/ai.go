package ai

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Providers selectable in config or per run.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

const (
	maxRetries          = 5
	initialBackoff      = 500 * time.Millisecond
	maxBackoff          = 30 * time.Second
	defaultTimeout      = 120 * time.Second
	maxIdleConns        = 100
	maxConnsPerHost     = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Backend turns a prompt plus a JSON schema into schema-conforming JSON.
// Implementations retry transient failures internally; a returned error is
// final for this call.
type Backend interface {
	Name() string
	Extract(ctx context.Context, prompt string, schema any) ([]byte, error)
	Usage() Usage
}

// Config carries the per-provider settings from the config file.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// New returns the backend for the given provider name.
func New(provider string, cfg Config) (Backend, error) {
	switch provider {
	case ProviderGemini:
		return NewGemini(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown ai provider: %q", provider)
	}
}

// Usage is the accumulated token count across calls to one backend.
type Usage struct {
	PromptTokens int64 `json:"prompt_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int64 `json:"calls"`
}

type usageCounter struct {
	mu sync.Mutex
	u  Usage
}

func (c *usageCounter) record(prompt, output int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.u.PromptTokens += prompt
	c.u.OutputTokens += output
	c.u.Calls++
}

func (c *usageCounter) snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.u
}

func isRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

func calculateBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}
