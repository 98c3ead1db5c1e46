package completion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	olla "github.com/ollama/ollama/api"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

type Ollama struct {
	client *olla.Client
	model  string
}

func NewOllama(cfg Config) (*Ollama, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOllamaModel
	}
	return &Ollama{
		client: olla.NewClient(u, &http.Client{Timeout: cfg.HTTPTimeout}),
		model:  model,
	}, nil
}

func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	var (
		out strings.Builder
		got bool
	)
	err := o.client.Generate(ctx, &olla.GenerateRequest{
		Model:  o.model,
		System: req.System,
		Prompt: req.User,
		Stream: &[]bool{false}[0],
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}, func(resp olla.GenerateResponse) error {
		got = true
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if !got {
		return "", ErrNoChoices
	}
	return out.String(), nil
}
