package cortex

import (
	"context"
	"strings"
)

// TokenEstimator estimates token counts from raw text, standing in for
// a provider-specific tokenizer when none is available ahead of time.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// CharacterBasedEstimator approximates token count from character
// count. Grounded on the original token-usage service's estimator: a
// rough but provider-agnostic heuristic, good enough for budgeting
// decisions that don't need exact counts.
type CharacterBasedEstimator struct {
	// CharsPerToken is the assumed average characters per token.
	// Defaults to 4.0 when zero.
	CharsPerToken float64
}

// NewCharacterBasedEstimator builds a CharacterBasedEstimator with the
// default 4.0 chars-per-token ratio.
func NewCharacterBasedEstimator() *CharacterBasedEstimator {
	return &CharacterBasedEstimator{CharsPerToken: 4.0}
}

func (e *CharacterBasedEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	estimate := int(float64(len(text)) / ratio)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// tokenEstimateTooLargeCap bounds a single tool result's contribution
// to a token estimate: results this large are truncated elsewhere
// before they ever reach the model, so counting past the cap would
// overstate the turn's real cost.
const tokenEstimateTooLargeCap = 10000

// complexityKeywords are substrings whose presence in a user message
// makes detectComplexity report the message as complex, widening
// the expected-response-size heuristic.
var complexityKeywords = []string{
	"analyze", "generate", "create", "build", "implement",
	"search", "find", "calculate", "compare", "scan", "test",
	"check", "review", "explain in detail", "write", "code",
	"function", "script",
}

// complexityLengthThreshold is the message length past which a
// message is treated as complex regardless of keyword content.
const complexityLengthThreshold = 200

// TokenUsageService estimates token cost for the pieces of a turn that
// don't carry an authoritative count of their own (thoughts, tool
// calls, tool results) and tracks the provider's own reported Usage.
// It watches the EventBus rather than being called directly by the
// orchestrator — the same inversion-of-control the originating
// service used, so a turn's components never need to know token
// accounting exists.
type TokenUsageService struct {
	estimator TokenEstimator
	bus       *EventBus
}

// NewTokenUsageService subscribes to THOUGHT/TOOL_USE/TOOL_RESULT on
// bus and emits a TOKEN_ESTIMATE for each. A nil estimator defaults to
// CharacterBasedEstimator.
func NewTokenUsageService(bus *EventBus, estimator TokenEstimator) *TokenUsageService {
	if estimator == nil {
		estimator = NewCharacterBasedEstimator()
	}
	s := &TokenUsageService{estimator: estimator, bus: bus}
	bus.Subscribe(EventThought, s.handleThought)
	bus.Subscribe(EventToolUse, s.handleToolUse)
	bus.Subscribe(EventToolResult, s.handleToolResult)
	return s
}

func (s *TokenUsageService) emitEstimate(ctx context.Context, source string, tokens int) {
	s.bus.PublishAsync(ctx, Event{Name: EventTokenEstimate, Data: map[string]any{"source": source, "tokens": tokens}})
}

func (s *TokenUsageService) handleThought(ctx context.Context, ev Event) error {
	text, _ := ev.Data.(string)
	s.emitEstimate(ctx, "thought", s.EstimateThought(text))
	return nil
}

func (s *TokenUsageService) handleToolUse(ctx context.Context, ev Event) error {
	call, ok := ev.Data.(ToolCall)
	if !ok {
		return nil
	}
	s.emitEstimate(ctx, "tool_call", s.EstimateToolCall(call))
	return nil
}

func (s *TokenUsageService) handleToolResult(ctx context.Context, ev Event) error {
	result, ok := ev.Data.(ToolResult)
	if !ok {
		return nil
	}
	s.emitEstimate(ctx, "tool_result", s.EstimateToolResult(result))
	return nil
}

// EstimateUserMessage adds fixed role/formatting overhead to the raw
// text estimate.
func (s *TokenUsageService) EstimateUserMessage(message string) int {
	if message == "" {
		return 0
	}
	return s.estimator.EstimateTokens(message) + 10
}

// EstimateExpectedResponse predicts a response's token budget from the
// user message that prompted it: complex messages (tool use, code,
// analysis) get a wider multiplier and a higher floor than simple ones.
func (s *TokenUsageService) EstimateExpectedResponse(userMessage string) int {
	if userMessage == "" {
		return 100
	}
	userTokens := s.estimator.EstimateTokens(userMessage)
	multiplier, minimum := 2.5, 100
	if detectComplexity(userMessage) {
		multiplier, minimum = 4.5, 200
	}
	estimated := int(float64(userTokens) * multiplier)
	if estimated < minimum {
		return minimum
	}
	return estimated
}

// EstimateThought adds the small overhead a thought/reasoning segment
// carries beyond its raw text.
func (s *TokenUsageService) EstimateThought(thought string) int {
	if thought == "" {
		return 0
	}
	return s.estimator.EstimateTokens(thought) + 5
}

// EstimateToolCall estimates a tool call's name, JSON-encoded
// arguments, and function-call structure overhead.
func (s *TokenUsageService) EstimateToolCall(call ToolCall) int {
	nameTokens := s.estimator.EstimateTokens(call.Name)
	argsTokens := s.estimator.EstimateTokens(string(call.Arguments))
	return nameTokens + argsTokens + 15
}

// EstimateToolResult estimates a tool result's contribution, capped so
// an oversized result (already due for truncation elsewhere) can't
// dominate the estimate.
func (s *TokenUsageService) EstimateToolResult(result ToolResult) int {
	if result.Content == "" {
		return 5
	}
	base := s.estimator.EstimateTokens(result.Content)
	if base > tokenEstimateTooLargeCap {
		base = tokenEstimateTooLargeCap
	}
	return base + 10
}

// ExtractActualUsage pulls a provider's reported Usage out of a
// ChatResponse. Defined for symmetry with the estimate side; providers
// already populate ChatResponse.Usage directly, so this never needs to
// reach into provider-specific response shapes the way the original
// extract_actual_usage does.
func (s *TokenUsageService) ExtractActualUsage(resp ChatResponse) Usage {
	return resp.Usage
}

// detectComplexity reports whether a message is likely to trigger
// tool use, code generation, or other multi-step work, based on
// keyword and length heuristics.
func detectComplexity(message string) bool {
	if message == "" {
		return false
	}
	lower := strings.ToLower(message)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return len(message) > complexityLengthThreshold
}
