package openaicompat

import (
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// ProviderOption configures a Provider at construction. Each option
// receives both the Provider being built and the openai.ClientConfig
// that backs it, since some settings (timeouts, proxies) belong on the
// underlying HTTP client rather than the Provider wrapper.
type ProviderOption func(*Provider, *openai.ClientConfig)

// WithName sets the provider name returned by Name() (default
// "openai"). Use this to distinguish multiple OpenAI-compatible
// backends in logs and traces.
func WithName(name string) ProviderOption {
	return func(p *Provider, _ *openai.ClientConfig) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies, custom
// transport) for the underlying go-openai client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(_ *Provider, cfg *openai.ClientConfig) { cfg.HTTPClient = c }
}

// WithLogger sets the Provider's logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider, _ *openai.ClientConfig) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithContextWindowOverride registers a model-specific context window
// size, for deployments (self-hosted models, fine-tunes) not present in
// the provider's built-in defaults.
func WithContextWindowOverride(modelID string, tokens int) ProviderOption {
	return func(p *Provider, _ *openai.ClientConfig) { p.windows.SetOverride(modelID, tokens) }
}
