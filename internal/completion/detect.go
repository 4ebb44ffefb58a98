package completion

import (
	"context"
	"fmt"

	"github.com/kalambet/ecosim/internal/ollama"
	"github.com/kalambet/ecosim/internal/proxy"
)

// Providers.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// Config selects and configures a backend.
type Config struct {
	Provider      string
	Model         string
	OllamaBaseURL string
	OpenRouterKey string
	GeminiKey     string
}

// New builds the configured backend. The returned close function releases
// backend resources and is never nil.
func New(ctx context.Context, cfg Config) (Completer, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllama(ollama.New(cfg.OllamaBaseURL), cfg.Model), noop, nil
	case ProviderOpenRouter:
		if cfg.OpenRouterKey == "" {
			return nil, noop, fmt.Errorf("openrouter provider requires an API key")
		}
		return NewOpenRouter(proxy.NewClient(cfg.OpenRouterKey), cfg.Model), noop, nil
	case ProviderGemini:
		if cfg.GeminiKey == "" {
			return nil, noop, fmt.Errorf("gemini provider requires an API key")
		}
		g, err := NewGemini(ctx, cfg.GeminiKey, cfg.Model)
		if err != nil {
			return nil, noop, err
		}
		return g, g.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
