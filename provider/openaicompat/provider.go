// Package openaicompat implements cortex.ModelProvider against any
// OpenAI-compatible chat completions API (OpenAI, OpenRouter, Groq,
// Together, Fireworks, DeepSeek, Mistral, Ollama, vLLM, LM Studio,
// Azure OpenAI) using github.com/sashabaranov/go-openai as the wire
// client, replacing the hand-rolled HTTP body/parse/stream helpers the
// teacher carried for the same role.
package openaicompat

import (
	"context"
	"encoding/json"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nevindra/cortex"
)

// Provider adapts an OpenAI-compatible endpoint to cortex.ModelProvider.
type Provider struct {
	client  *openai.Client
	model   string
	name    string
	logger  *slog.Logger
	windows *cortex.ContextWindowRegistry
}

// NewProvider creates an OpenAI-compatible ModelProvider. baseURL is
// the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	p := &Provider{
		model:   model,
		name:    "openai",
		logger:  slog.New(slog.DiscardHandler),
		windows: cortex.NewContextWindowRegistry(defaultContextWindows),
	}
	for _, opt := range opts {
		opt(p, &cfg)
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

// defaultContextWindows seeds ContextWindowRegistry with the common
// OpenAI-compatible model family sizes; callers override per-deployment
// specifics (e.g. a locally served Ollama model) via
// WithContextWindowOverride.
var defaultContextWindows = map[string]int{
	"gpt-4o":          128_000,
	"gpt-4o-mini":     128_000,
	"gpt-4-turbo":      128_000,
	"gpt-3.5-turbo":    16_385,
	"o1":              200_000,
	"o1-mini":         128_000,
}

// Name returns the provider name (default "openai", configurable via
// WithName so callers running multiple OpenAI-compatible backends can
// tell them apart in logs and traces).
func (p *Provider) Name() string { return p.name }

// ContextWindow returns modelID's token budget, or a conservative
// default if the model isn't in the registry.
func (p *Provider) ContextWindow(modelID string) int {
	const conservativeFallback = 16_000
	return p.windows.Lookup(modelID, conservativeFallback)
}

// PrepareTools normalizes tool schemas to this provider's dialect and
// returns the resulting OpenAI tool declarations, JSON-encoded — used
// by callers that want to inspect or cache the prepared form
// separately from an actual Send call.
func (p *Provider) PrepareTools(tools []cortex.ToolDefinition) (json.RawMessage, error) {
	oaiTools, err := p.toOpenAITools(tools)
	if err != nil {
		return nil, err
	}
	return json.Marshal(oaiTools)
}

func (p *Provider) toOpenAITools(tools []cortex.ToolDefinition) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema, err := cortex.NormalizeSchema(t.InputSchema)
		if err != nil {
			return nil, &cortex.SchemaError{Tool: t.Name, Message: "normalize schema", Cause: err}
		}
		var params any
		if len(schema) > 0 {
			if err := json.Unmarshal(schema, &params); err != nil {
				return nil, &cortex.SchemaError{Tool: t.Name, Message: "decode normalized schema", Cause: err}
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// Send issues one chat completion request and adapts the result back
// to cortex.ChatResponse.
func (p *Provider) Send(ctx context.Context, req cortex.ChatRequest) (cortex.ChatResponse, error) {
	tools, err := p.toOpenAITools(req.Tools)
	if err != nil {
		return cortex.ChatResponse{}, err
	}

	creq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    toOpenAIMessages(req.SystemPrompt, req.History),
		Tools:       tools,
		Temperature: float32(req.Temperature),
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return cortex.ChatResponse{}, &cortex.ModelError{Provider: p.name, Message: "chat completion", Cause: err}
	}
	return fromOpenAIResponse(resp), nil
}

func toOpenAIMessages(systemPrompt string, history []cortex.ChatMessage) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func fromOpenAIResponse(resp openai.ChatCompletionResponse) cortex.ChatResponse {
	out := cortex.ChatResponse{
		ModelID: resp.Model,
		Usage: cortex.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, cortex.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// compile-time interface check
var _ cortex.ModelProvider = (*Provider)(nil)
