package cortex

import (
	"context"
	"encoding/json"
)

// ModelProvider abstracts one LLM backend. Implementations live in
// provider/openaicompat and provider/gemini; both compose rather than
// inherit a shared base, following the teacher's functional-options
// provider constructors.
type ModelProvider interface {
	// Name identifies the provider for logging and error messages.
	Name() string

	// PrepareTools normalizes a fleet's ToolDefinitions into this
	// provider's native schema dialect: union types are flattened,
	// nested object/array schemas are recursed into, and empty
	// "properties": {} objects are dropped where the dialect rejects
	// them. Returns a SchemaError if a tool's schema cannot be
	// expressed in the target dialect at all.
	PrepareTools(tools []ToolDefinition) (json.RawMessage, error)

	// Send performs one chat turn and returns the model's response.
	Send(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ContextWindow returns the maximum input token budget for modelID,
	// consulting any config override first and the provider's built-in
	// registry second (see ContextWindowRegistry).
	ContextWindow(modelID string) int
}

// ContextWindowRegistry maps model IDs to their context-window size in
// tokens, with a config-supplied override taking precedence over the
// provider's compiled-in defaults — a newly released model variant
// doesn't require a code change to be usable.
type ContextWindowRegistry struct {
	defaults  map[string]int
	overrides map[string]int
}

// NewContextWindowRegistry creates a registry seeded with a provider's
// compiled-in defaults.
func NewContextWindowRegistry(defaults map[string]int) *ContextWindowRegistry {
	return &ContextWindowRegistry{
		defaults:  defaults,
		overrides: make(map[string]int),
	}
}

// SetOverride installs a config-supplied context window for modelID,
// taking precedence over any compiled-in default.
func (r *ContextWindowRegistry) SetOverride(modelID string, tokens int) {
	r.overrides[modelID] = tokens
}

// Lookup returns modelID's context window, or fallback if neither an
// override nor a default is registered for it.
func (r *ContextWindowRegistry) Lookup(modelID string, fallback int) int {
	if v, ok := r.overrides[modelID]; ok {
		return v
	}
	if v, ok := r.defaults[modelID]; ok {
		return v
	}
	return fallback
}

// NormalizeSchema recursively rewrites a JSON Schema object into a
// dialect most LLM function-calling APIs accept: "anyOf"/"oneOf" union
// members are flattened by picking the first non-null branch (a model
// asked to satisfy a union at the top level of a tool's arguments
// virtually always means "this field, narrowed"), and an object's
// "properties" is dropped entirely when it would otherwise be an empty
// object, since several providers reject `"type":"object","properties":{}`
// as invalid rather than "anything goes". No example repo in the
// retrieval pack performs this transform; the recursion structure below
// follows the same shape provider/gemini and provider/openaicompat use
// to walk tool schemas when building native request bodies.
func NormalizeSchema(schema json.RawMessage) (json.RawMessage, error) {
	if len(schema) == 0 {
		return schema, nil
	}
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return nil, &SchemaError{Message: "not a JSON object", Cause: err}
	}
	normalized := normalizeNode(node)
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, &SchemaError{Message: "re-marshal normalized schema", Cause: err}
	}
	return out, nil
}

func normalizeNode(node map[string]any) map[string]any {
	for _, key := range []string{"anyOf", "oneOf"} {
		union, ok := node[key].([]any)
		if !ok || len(union) == 0 {
			continue
		}
		chosen := firstNonNullBranch(union)
		delete(node, key)
		if chosen != nil {
			if branch, ok := chosen.(map[string]any); ok {
				for k, v := range normalizeNode(branch) {
					if _, exists := node[k]; !exists {
						node[k] = v
					}
				}
			}
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		if len(props) == 0 {
			delete(node, "properties")
			delete(node, "required")
		} else {
			for k, v := range props {
				if child, ok := v.(map[string]any); ok {
					props[k] = normalizeNode(child)
				}
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		node["items"] = normalizeNode(items)
	}

	return node
}

func firstNonNullBranch(union []any) any {
	for _, member := range union {
		branch, ok := member.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := branch["type"].(string); t == "null" {
			continue
		}
		return branch
	}
	return nil
}
