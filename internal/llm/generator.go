package llm

import (
	"context"
	"fmt"

	"github.com/pavelanni/examforge/internal/model"
)

// Request is one completion request.
type Request struct {
	System      string
	Prompt      string
	JSON        bool
	Temperature float32
	MaxTokens   int
	// Fresh skips cached responses. The new reply still replaces the cached one.
	Fresh bool
}

// Response is the model's text and the tokens it cost.
type Response struct {
	Text  string
	Usage model.TokenUsage
}

// Generator produces a completion for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Provider names a Generator implementation.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider Provider
	BaseURL  string
	APIKey   string
	Model    string
}

// Client is a Generator that can check connectivity and release resources.
type Client interface {
	Generator
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// New creates the configured provider client.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case ProviderGemini:
		g, err := NewGemini(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
