package cortex

import "context"

// KnowledgeStore persists the typed property graph: Nodes and Edges,
// plus the Chat/ChatMessage specializations layered on top of them.
// Implementations live in store/sqlite and store/postgres.
type KnowledgeStore interface {
	// --- Nodes & Edges (generic graph) ---
	CreateNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, id string) (Node, error)
	DeleteNode(ctx context.Context, id string) error
	CreateEdge(ctx context.Context, e Edge) error
	EdgesFrom(ctx context.Context, fromID string, t EdgeType) ([]Edge, error)
	EdgesTo(ctx context.Context, toID string, t EdgeType) ([]Edge, error)

	// --- Chat / ChatMessage ---
	CreateChat(ctx context.Context, c Chat) error
	GetChat(ctx context.Context, id string) (Chat, error)
	ListChats(ctx context.Context, userID string, limit int) ([]Chat, error)
	// DeleteChat cascades to every ChatMessage the chat owns (and the
	// chat's Summary checkpoints and replaced-message records) but never touches
	// Tasks or Facts derived from the conversation — ownership is
	// one-directional by design, not a cyclic reference count.
	DeleteChat(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m ChatMessage) error
	// GetChatMessages returns a chat's message history, most recent last.
	// useSessionFallback exists for API parity with the pre-migration
	// session/chat model; current backends implement the chat-owns-
	// messages model only and treat the flag as a documented no-op (see
	// DESIGN.md Open Question 1) rather than silently ignoring it.
	GetChatMessages(ctx context.Context, chatID string, useSessionFallback bool, limit int) ([]ChatMessage, error)
	// SaveSummary persists a Summary checkpoint and records the IDs of
	// the range of ChatMessages it replaces for budgeting
	// purposes. It does not delete the replaced messages — MessageService
	// treats the summary as dominant when windowing, per invariant 6.
	SaveSummary(ctx context.Context, chatID string, summary ChatMessage, replaces []string) error
	// LatestSummary returns the most recently created Summary checkpoint
	// for a chat, or a NotFoundError if none exists yet.
	LatestSummary(ctx context.Context, chatID string) (ChatMessage, error)

	// --- Facts & Tool results (derived knowledge) ---
	SaveFact(ctx context.Context, fact Node, derivedFrom string) error
	SaveToolResult(ctx context.Context, result Node, producedBy string) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// FullTextSearcher is an optional KnowledgeStore capability. Backends
// that index Node content for full-text search (sqlite FTS5, postgres
// tsvector; chat messages are not indexed) implement it; callers type-assert for it rather
// than requiring it on every backend.
type FullTextSearcher interface {
	SearchFullText(ctx context.Context, query string, topK int) ([]Node, error)
}

// VectorSearcher is an optional KnowledgeStore capability for ANN
// similarity search over embedded Node content (postgres + pgvector).
type VectorSearcher interface {
	SearchVector(ctx context.Context, embedding []float32, topK int) ([]ScoredNode, error)
}

// ScoredNode pairs a Node with its similarity score from a vector
// search. Score is in [0, 1]; a backend without true ANN support
// returns 0 and callers must not threshold-filter on it.
type ScoredNode struct {
	Node
	Score float32
}

// FactExtractor is an optional ConversationOrchestrator capability that
// turns one turn's user text into durable Fact nodes ready for
// SaveFact. Implementations decide internally whether a message is
// worth the extra model call. A nil FactExtractor disables extraction.
type FactExtractor interface {
	Extract(ctx context.Context, userID, userText string) ([]Node, error)
}
