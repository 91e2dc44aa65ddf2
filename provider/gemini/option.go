package gemini

import "net/http"

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithName sets the provider name returned by Name() (default "gemini").
func WithName(name string) Option {
	return func(g *Gemini) { g.name = name }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies, custom transport).
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}

// WithContextWindowOverride registers a model-specific context window
// size, for model variants not present in the provider's built-in
// defaults.
func WithContextWindowOverride(modelID string, tokens int) Option {
	return func(g *Gemini) { g.windows.SetOverride(modelID, tokens) }
}

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithMediaResolution sets the media resolution for multimodal inputs.
// Valid values: "MEDIA_RESOLUTION_LOW", "MEDIA_RESOLUTION_MEDIUM", "MEDIA_RESOLUTION_HIGH".
// Default is unset, in which case no mediaResolution is sent and the API's own default applies.
func WithMediaResolution(r string) Option {
	return func(g *Gemini) { g.mediaResolution = r }
}

// WithThinking enables or disables thinking mode (default false).
// When enabled, thinkingConfig.thinkingBudget is sent as -1 (dynamic); when disabled,
// no thinkingConfig is sent and the model's own default applies.
func WithThinking(enabled bool) Option {
	return func(g *Gemini) { g.thinkingEnabled = enabled }
}

// WithStructuredOutput records the structured JSON output flag (default true).
// The request builder does not read it: no response MIME type or schema is set from it.
func WithStructuredOutput(enabled bool) Option {
	return func(g *Gemini) { g.structuredOutput = enabled }
}

// WithCodeExecution enables or disables the code execution tool (default false).
func WithCodeExecution(enabled bool) Option {
	return func(g *Gemini) { g.codeExecution = enabled }
}

// WithFunctionCalling enables or disables implicit function calling (default false).
// When disabled, toolConfig mode is set to NONE unless the request carries tools (ChatRequest.Tools).
func WithFunctionCalling(enabled bool) Option {
	return func(g *Gemini) { g.functionCalling = enabled }
}

// WithGoogleSearch enables or disables grounding with Google Search (default false).
func WithGoogleSearch(enabled bool) Option {
	return func(g *Gemini) { g.googleSearch = enabled }
}

// WithURLContext enables or disables URL context (default false).
func WithURLContext(enabled bool) Option {
	return func(g *Gemini) { g.urlContext = enabled }
}
