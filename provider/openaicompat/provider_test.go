package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/cortex"
)

func TestProviderName(t *testing.T) {
	p := NewProvider("key", "gpt-4o", "", WithName("groq"))
	if got := p.Name(); got != "groq" {
		t.Errorf("Name() = %q, want %q", got, "groq")
	}
}

func TestProviderDefaultName(t *testing.T) {
	p := NewProvider("key", "gpt-4o", "")
	if got := p.Name(); got != "openai" {
		t.Errorf("Name() = %q, want %q", got, "openai")
	}
}

func TestContextWindowDefaultsAndOverride(t *testing.T) {
	p := NewProvider("key", "gpt-4o", "")
	if got := p.ContextWindow("gpt-4o"); got != 128_000 {
		t.Errorf("ContextWindow(gpt-4o) = %d, want 128000", got)
	}
	if got := p.ContextWindow("unknown-model"); got != 16_000 {
		t.Errorf("ContextWindow(unknown-model) = %d, want conservative fallback 16000", got)
	}

	p2 := NewProvider("key", "gpt-4o", "", WithContextWindowOverride("unknown-model", 32_000))
	if got := p2.ContextWindow("unknown-model"); got != 32_000 {
		t.Errorf("ContextWindow(unknown-model) after override = %d, want 32000", got)
	}
}

func TestToOpenAIToolsNormalizesSchema(t *testing.T) {
	p := NewProvider("key", "gpt-4o", "")
	tools := []cortex.ToolDefinition{
		{
			Name:        "search",
			Description: "search the web",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"anyOf":[{"type":"null"},{"type":"string"}]}}}`),
		},
	}

	raw, err := p.PrepareTools(tools)
	if err != nil {
		t.Fatalf("PrepareTools: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode prepared tools: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(decoded))
	}
	fn, ok := decoded[0]["function"].(map[string]any)
	if !ok {
		t.Fatalf("expected function field, got %+v", decoded[0])
	}
	if fn["name"] != "search" {
		t.Errorf("expected name search, got %v", fn["name"])
	}
}

func TestToOpenAIMessagesIncludesSystemPromptAndToolCalls(t *testing.T) {
	history := []cortex.ChatMessage{
		cortex.UserMessage("hello"),
		{Role: cortex.RoleAssistant, ToolCalls: []cortex.ToolCall{{ID: "call1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
		cortex.ToolResultMessage("call1", "result text"),
	}

	msgs := toOpenAIMessages("be helpful", history)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages (system + 3 history), got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be helpful" {
		t.Errorf("expected leading system message, got %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "search" {
		t.Errorf("expected tool call preserved, got %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "call1" {
		t.Errorf("expected tool result call id preserved, got %q", msgs[3].ToolCallID)
	}
}
