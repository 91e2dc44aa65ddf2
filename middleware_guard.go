package cortex

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// protectedArgKeys are the tool-argument keys ProtectedResourceGuard
// inspects for a branch name. Tool servers vary in naming convention
// (git-style tool servers commonly use one of these), so the guard
// checks all of them rather than committing to one schema.
var protectedArgKeys = []string{"branch", "ref", "target_branch", "base_branch"}

// ProtectedResourceGuard is a ToolMiddleware generalizing the teacher's
// InjectionGuard pattern (NFKC normalization + substring/regex
// matching over untrusted text) to a different untrusted surface: tool
// call arguments that name a branch the operator never wants a task to
// modify. The branch set is caller-supplied configuration — there is
// no hard-coded "main", per Open Question decision 3.
type ProtectedResourceGuard struct {
	protected map[string]bool
	toolNames map[string]bool // tools this guard applies to; empty set = applies to every tool
}

// NewProtectedResourceGuard creates a guard over the given protected
// branch names. toolNames restricts which tools are checked; pass none
// to check every tool call's arguments.
func NewProtectedResourceGuard(branches []string, toolNames ...string) *ProtectedResourceGuard {
	g := &ProtectedResourceGuard{
		protected: make(map[string]bool, len(branches)),
		toolNames: make(map[string]bool, len(toolNames)),
	}
	for _, b := range branches {
		g.protected[normalizeBranch(b)] = true
	}
	for _, t := range toolNames {
		g.toolNames[t] = true
	}
	return g
}

// normalizeBranch applies NFKC normalization and case-folds, the same
// treatment InjectionGuard applies to user text before pattern
// matching, so a visually-identical but differently-encoded branch
// name (full-width characters, combining marks) can't slip past a
// naive string match.
func normalizeBranch(s string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(s)))
}

// Middleware returns the ToolMiddleware this guard contributes to a
// MiddlewareChain.
func (g *ProtectedResourceGuard) Middleware() ToolMiddleware {
	return func(next ToolHandler) ToolHandler {
		return func(ctx context.Context, call ToolCall) (context.Context, ToolCall, error) {
			if len(g.toolNames) > 0 && !g.toolNames[call.Name] {
				return next(ctx, call)
			}
			if branch, ok := g.extractBranch(call.Arguments); ok && g.protected[normalizeBranch(branch)] {
				return ctx, call, &MiddlewareVeto{
					Middleware: "protected_resource_guard",
					Reason:     "tool call targets protected branch " + branch,
				}
			}
			return next(ctx, call)
		}
	}
}

func (g *ProtectedResourceGuard) extractBranch(args json.RawMessage) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return "", false
	}
	for _, key := range protectedArgKeys {
		if v, ok := decoded[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
