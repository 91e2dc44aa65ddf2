// Package resolve builds a cortex.ModelProvider from provider-agnostic
// configuration, the way cmd/cortexd's config loader needs to turn one
// YAML block into a concrete backend without a giant switch of its own.
package resolve

import (
	"fmt"

	"github.com/nevindra/cortex"
	"github.com/nevindra/cortex/provider/gemini"
	"github.com/nevindra/cortex/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a
// cortex.ModelProvider.
type Config struct {
	Provider string // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // required for openai-compat; auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	Thinking    *bool
}

// Provider creates a cortex.ModelProvider from a provider-agnostic Config.
func Provider(cfg Config) (cortex.ModelProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return geminiProvider(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func geminiProvider(cfg Config) cortex.ModelProvider {
	var opts []gemini.Option
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, gemini.WithThinking(*cfg.Thinking))
	}
	return gemini.New(cfg.APIKey, cfg.Model, opts...)
}

// openaiCompatProvider wires an OpenAI-compatible backend. Temperature is
// a per-request ChatRequest field for this provider rather than a
// construction-time default (see provider.go's Send), and TopP has no
// equivalent on the OpenAI chat-completions API this provider targets,
// so cfg.Temperature/cfg.TopP only take effect for the gemini branch.
func openaiCompatProvider(cfg Config) cortex.ModelProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, openaicompat.WithName(cfg.Provider))
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
