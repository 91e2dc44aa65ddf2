// Package gemini implements cortex.ModelProvider against the Google
// Gemini generateContent API over raw HTTP, the same hand-rolled
// request/response shape the teacher used rather than the
// google.golang.org/genai SDK.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/cortex"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements cortex.ModelProvider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	name       string
	httpClient *http.Client
	windows    *cortex.ContextWindowRegistry

	temperature        float64
	topP               float64
	mediaResolution    string
	responseModalities []string
	thinkingEnabled    bool
	structuredOutput   bool
	codeExecution      bool
	functionCalling    bool
	googleSearch       bool
	urlContext         bool
}

// defaultContextWindows seeds the registry with the published Gemini
// model family sizes; WithContextWindowOverride covers anything newer.
var defaultContextWindows = map[string]int{
	"gemini-2.0-flash":    1_048_576,
	"gemini-1.5-pro":      2_097_152,
	"gemini-1.5-flash":    1_048_576,
	"gemini-1.5-flash-8b": 1_048_576,
}

// New creates a new Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:           apiKey,
		model:            model,
		name:             "gemini",
		httpClient:       &http.Client{},
		windows:          cortex.NewContextWindowRegistry(defaultContextWindows),
		temperature:      0.1,
		topP:             0.9,
		structuredOutput: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the provider name (default "gemini").
func (g *Gemini) Name() string { return g.name }

// ContextWindow returns modelID's token budget, or a conservative
// fallback if the model isn't registered.
func (g *Gemini) ContextWindow(modelID string) int {
	const conservativeFallback = 32_000
	return g.windows.Lookup(modelID, conservativeFallback)
}

// PrepareTools normalizes tool schemas to Gemini's functionDeclarations
// dialect and returns them JSON-encoded.
func (g *Gemini) PrepareTools(tools []cortex.ToolDefinition) (json.RawMessage, error) {
	declarations, err := g.toFunctionDeclarations(tools)
	if err != nil {
		return nil, err
	}
	return json.Marshal(declarations)
}

func (g *Gemini) toFunctionDeclarations(tools []cortex.ToolDefinition) ([]map[string]any, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	declarations := make([]map[string]any, 0, len(tools))
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
		} else {
			params = map[string]any{}
		}
		declarations = append(declarations, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		})
	}
	return declarations, nil
}

// Send performs one non-streaming generateContent call and adapts the
// result back to cortex.ChatResponse.
func (g *Gemini) Send(ctx context.Context, req cortex.ChatRequest) (cortex.ChatResponse, error) {
	body, err := g.buildBody(req)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, body)
}

// doGenerate performs a non-streaming generateContent call and parses the response.
func (g *Gemini) doGenerate(ctx context.Context, body map[string]any) (cortex.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cortex.ChatResponse{}, g.httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return cortex.ChatResponse{}, g.wrapErr("failed to parse response JSON: " + err.Error())
	}

	var content strings.Builder
	var toolCalls []cortex.ToolCall

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			// Skip thinking parts (thought: true); thoughtSignature is
			// carried on the raw part but has no home in cortex.ToolCall
			// yet, so multi-turn thinking continuity is not preserved.
			if part.Thought {
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				toolCalls = append(toolCalls, cortex.ToolCall{
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}

	var usage cortex.Usage
	if parsed.UsageMetadata != nil {
		usage.PromptTokens = parsed.UsageMetadata.PromptTokenCount
		usage.CompletionTokens = parsed.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = parsed.UsageMetadata.PromptTokenCount + parsed.UsageMetadata.CandidatesTokenCount
	}

	return cortex.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
		ModelID:   g.model,
	}, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &cortex.ModelError{Provider: g.name, Message: msg}
}

// httpErr wraps a non-2xx Gemini HTTP response as a ModelError, folding
// in the retry delay when the body carries a google.rpc.RetryInfo
// detail (surfaced through Message rather than a typed field, since
// cortex has no ErrHTTP-shaped retry type to hang it off).
func (g *Gemini) httpErr(resp *http.Response, body string) *cortex.ModelError {
	msg := fmt.Sprintf("http %d: %s", resp.StatusCode, body)
	if ra := parseRetryInfo(body); ra > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, ra)
	}
	return &cortex.ModelError{Provider: g.name, Message: msg}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body from a ChatRequest.
func (g *Gemini) buildBody(req cortex.ChatRequest) (map[string]any, error) {
	var contents []map[string]any

	for _, m := range req.History {
		switch {
		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with functionCall parts.
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				var args any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == cortex.RoleTool:
			// Tool result message -> user role with functionResponse part.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": []map[string]any{{"text": m.Content}},
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": req.SystemPrompt},
			},
		}
	}

	var toolEntries []map[string]any

	if len(req.Tools) > 0 {
		declarations, err := g.toFunctionDeclarations(req.Tools)
		if err != nil {
			return nil, err
		}
		toolEntries = append(toolEntries, map[string]any{
			"functionDeclarations": declarations,
		})
	}

	if g.codeExecution {
		toolEntries = append(toolEntries, map[string]any{"codeExecution": map[string]any{}})
	}
	if g.googleSearch {
		toolEntries = append(toolEntries, map[string]any{"googleSearch": map[string]any{}})
	}
	if g.urlContext {
		toolEntries = append(toolEntries, map[string]any{"urlContext": map[string]any{}})
	}

	if len(toolEntries) > 0 {
		body["tools"] = toolEntries
	}

	if !g.functionCalling && len(req.Tools) == 0 {
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		}
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if req.Temperature > 0 {
		genConfig["temperature"] = req.Temperature
	}

	if g.mediaResolution != "" {
		genConfig["mediaResolution"] = g.mediaResolution
	}
	if len(g.responseModalities) > 0 {
		genConfig["responseModalities"] = g.responseModalities
	}
	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{"thinkingBudget": -1}
	}

	body["generationConfig"] = genConfig

	return body, nil
}

// mapRole converts cortex roles to Gemini API roles.
func mapRole(role cortex.Role) string {
	if role == cortex.RoleAssistant {
		return "model"
	}
	return string(role)
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text             *string         `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// ---- Streaming ----

// ChatStream streams incremental text chunks into ch, then returns the
// final accumulated response, closing ch when done. This sits outside
// cortex.ModelProvider's single-shot Send contract; a forwarder wanting
// incremental output type-asserts for it rather than it being part of
// the interface.
func (g *Gemini) ChatStream(ctx context.Context, req cortex.ChatRequest, ch chan<- string) (cortex.ChatResponse, error) {
	defer close(ch)

	body, err := g.buildBody(req)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return cortex.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return cortex.ChatResponse{}, g.httpErr(resp, string(b))
	}

	var fullContent strings.Builder
	var usage cortex.Usage

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer: a long-thinking or code-execution chunk can exceed
	// the scanner's default 64KB token size.
	scanner.Buffer(make([]byte, 0, 4*1024*1024), 4*1024*1024)

	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					g.processStreamChunk(jsonBuf.String(), &fullContent, &usage, ch)
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			g.processStreamChunk(data, &fullContent, &usage, ch)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		g.processStreamChunk(jsonBuf.String(), &fullContent, &usage, ch)
	}

	return cortex.ChatResponse{
		Content: fullContent.String(),
		Usage:   usage,
		ModelID: g.model,
	}, nil
}

func (g *Gemini) processStreamChunk(jsonStr string, fullContent *strings.Builder, usage *cortex.Usage, ch chan<- string) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}

	text := extractTextFromParsed(parsed)
	if text != "" {
		fullContent.WriteString(text)
		ch <- text
	}

	extractUsageFromParsed(parsed, usage)
}

func extractTextFromParsed(parsed map[string]json.RawMessage) string {
	candidatesRaw, ok := parsed["candidates"]
	if !ok {
		return ""
	}

	var candidates []json.RawMessage
	if err := json.Unmarshal(candidatesRaw, &candidates); err != nil || len(candidates) == 0 {
		return ""
	}

	var candidate struct {
		Content struct {
			Parts []struct {
				Text    *string `json:"text,omitempty"`
				Thought bool    `json:"thought,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	}
	if err := json.Unmarshal(candidates[0], &candidate); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		if p.Thought {
			continue
		}
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

func extractUsageFromParsed(parsed map[string]json.RawMessage, usage *cortex.Usage) {
	usageRaw, ok := parsed["usageMetadata"]
	if !ok {
		return
	}

	var u geminiUsage
	if err := json.Unmarshal(usageRaw, &u); err != nil {
		return
	}

	if u.PromptTokenCount > 0 || u.CandidatesTokenCount > 0 {
		usage.PromptTokens = u.PromptTokenCount
		usage.CompletionTokens = u.CandidatesTokenCount
		usage.TotalTokens = u.PromptTokenCount + u.CandidatesTokenCount
	}
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ cortex.ModelProvider = (*Gemini)(nil)
