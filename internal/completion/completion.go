// Package completion talks to the text-completion service that does the
// actual work of an agent execution.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoChoices is returned when the provider answered without any choice.
var ErrNoChoices = errors.New("completion: empty choice list")

type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Client returns the text of the first choice. An empty string with a nil
// error is a valid (empty) answer.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string

	// HTTPTimeout bounds a single provider round trip. Zero means 120s.
	HTTPTimeout time.Duration
}

// New builds the configured provider. An empty provider selects openai.
func New(cfg Config) (Client, error) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	switch p := strings.ToLower(strings.TrimSpace(cfg.Provider)); p {
	case "", "openai":
		return NewOpenAI(cfg), nil
	case "ollama":
		return NewOllama(cfg)
	default:
		return nil, fmt.Errorf("completion: unsupported provider %q", p)
	}
}
