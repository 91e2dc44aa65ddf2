// Package postgres implements cortex.KnowledgeStore using PostgreSQL,
// with pgvector for native vector similarity search over Node embeddings
// and tsvector for full-text keyword search.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/cortex"
)

// Store implements cortex.KnowledgeStore backed by PostgreSQL with
// pgvector. Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector (current behavior)
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var (
	_ cortex.KnowledgeStore   = (*Store)(nil)
	_ cortex.FullTextSearcher = (*Store)(nil)
	_ cortex.VectorSearcher   = (*Store)(nil)
	_ cortex.NodeLister       = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, every table KnowledgeStore needs,
// and their indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			data JSONB NOT NULL,
			embedding %s
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS idx_nodes_type_user ON nodes(type, user_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_nodes_embedding ON nodes USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS idx_nodes_fts ON nodes USING gin(to_tsvector('english', data::text))`,

		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			properties JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple ON edges(from_id, to_id, type)`,

		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			is_summary BOOLEAN NOT NULL DEFAULT FALSE,
			internal BOOLEAN NOT NULL DEFAULT FALSE,
			message_type TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS summaries (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS summary_replaces (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			replaced_id TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Nodes + Edges ---

func (s *Store) CreateNode(ctx context.Context, n cortex.Node) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, type, user_id, created_at, data) VALUES ($1, $2, $3, $4, $5::jsonb)`,
		n.ID, string(n.Type), n.UserID, n.CreatedAt, string(n.Data))
	if err != nil {
		return fmt.Errorf("postgres: create node: %w", err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (cortex.Node, error) {
	var n cortex.Node
	var nodeType string
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT id, type, user_id, created_at, data FROM nodes WHERE id = $1`, id).
		Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return cortex.Node{}, &cortex.NotFoundError{Kind: "Node", ID: id}
		}
		return cortex.Node{}, fmt.Errorf("postgres: get node: %w", err)
	}
	n.Type = cortex.NodeType(nodeType)
	n.Data = data
	return n, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cortex.NotFoundError{Kind: "Node", ID: id}
	}
	return nil
}

// SetNodeEmbedding stores or clears the vector embedding for a node,
// enabling SearchVector to surface it. Not part of cortex.KnowledgeStore:
// callers that populate embeddings reach for this capability directly.
func (s *Store) SetNodeEmbedding(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		_, err := s.pool.Exec(ctx, `UPDATE nodes SET embedding = NULL WHERE id = $1`, id)
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE nodes SET embedding = $1::vector WHERE id = $2`, serializeEmbedding(embedding), id)
	return err
}

// CreateEdge upserts by the (from_id, to_id, type) triple: a first
// write inserts a new row, a repeat merges e.Properties into the
// existing row's properties rather than creating a duplicate edge.
func (s *Store) CreateEdge(ctx context.Context, e cortex.Edge) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: create edge: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var existingID string
	var existingProps []byte
	err = tx.QueryRow(ctx,
		`SELECT id, properties FROM edges WHERE from_id = $1 AND to_id = $2 AND type = $3`,
		e.FromID, e.ToID, string(e.Type)).Scan(&existingID, &existingProps)
	switch {
	case err == pgx.ErrNoRows:
		if _, err := tx.Exec(ctx,
			`INSERT INTO edges (id, type, from_id, to_id, properties, created_at) VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
			e.ID, string(e.Type), e.FromID, e.ToID, nullableJSON(string(e.Properties)), e.CreatedAt); err != nil {
			return fmt.Errorf("postgres: create edge: %w", err)
		}
	case err != nil:
		return fmt.Errorf("postgres: create edge: lookup: %w", err)
	default:
		merged, err := cortex.MergeEdgeProperties(existingProps, e.Properties)
		if err != nil {
			return fmt.Errorf("postgres: create edge: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE edges SET properties = $1::jsonb WHERE id = $2`, nullableJSON(string(merged)), existingID); err != nil {
			return fmt.Errorf("postgres: create edge: update: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) EdgesFrom(ctx context.Context, fromID string, t cortex.EdgeType) ([]cortex.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, from_id, to_id, properties, created_at FROM edges WHERE from_id = $1 AND type = $2`, fromID, string(t))
	if err != nil {
		return nil, fmt.Errorf("postgres: edges from: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *Store) EdgesTo(ctx context.Context, toID string, t cortex.EdgeType) ([]cortex.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, from_id, to_id, properties, created_at FROM edges WHERE to_id = $1 AND type = $2`, toID, string(t))
	if err != nil {
		return nil, fmt.Errorf("postgres: edges to: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows pgx.Rows) ([]cortex.Edge, error) {
	var out []cortex.Edge
	for rows.Next() {
		var e cortex.Edge
		var edgeType string
		var properties []byte
		if err := rows.Scan(&e.ID, &edgeType, &e.FromID, &e.ToID, &properties, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan edge: %w", err)
		}
		e.Type = cortex.EdgeType(edgeType)
		if len(properties) > 0 {
			e.Properties = properties
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Chats ---

func (s *Store) CreateChat(ctx context.Context, c cortex.Chat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, user_id, title, model_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.UserID, c.Title, c.ModelID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (cortex.Chat, error) {
	var c cortex.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, model_id, created_at, updated_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return cortex.Chat{}, &cortex.NotFoundError{Kind: "Chat", ID: id}
		}
		return cortex.Chat{}, fmt.Errorf("postgres: get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]cortex.Chat, error) {
	query := `SELECT id, user_id, title, model_id, created_at, updated_at FROM chats WHERE user_id = $1 ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	var out []cortex.Chat
	for rows.Next() {
		var c cortex.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete chat: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete chat messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM summaries WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete chat summaries: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM summary_replaces WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete summary replaces: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete chat: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendMessage(ctx context.Context, m cortex.ChatMessage) error {
	toolCalls, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10::jsonb, $11)`,
		m.ID, m.ChatID, string(m.Role), m.Content, nullableJSON(toolCalls), m.ToolCallID, m.IsSummary, m.Internal, string(m.Type), nullableJSON(string(m.Metadata)), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// GetChatMessages returns a chat's message history, oldest first.
// useSessionFallback is accepted for interface parity; this backend
// implements the chat-owns-messages model only and treats the flag as a
// documented no-op.
func (s *Store) GetChatMessages(ctx context.Context, chatID string, useSessionFallback bool, limit int) ([]cortex.ChatMessage, error) {
	const columns = `id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at`
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+columns+` FROM (
				SELECT `+columns+` FROM chat_messages WHERE chat_id = $1 ORDER BY created_at DESC LIMIT $2
			) sub ORDER BY created_at ASC`, chatID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+columns+` FROM chat_messages WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get chat messages: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func scanChatMessages(rows pgx.Rows) ([]cortex.ChatMessage, error) {
	var out []cortex.ChatMessage
	for rows.Next() {
		var m cortex.ChatMessage
		var role, messageType string
		var toolCalls, metadata []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &toolCalls, &m.ToolCallID, &m.IsSummary, &m.Internal, &messageType, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan chat message: %w", err)
		}
		m.Role = cortex.Role(role)
		m.Type = cortex.MessageType(messageType)
		if len(metadata) > 0 {
			m.Metadata = metadata
		}
		if len(toolCalls) > 0 {
			calls, err := unmarshalToolCalls(toolCalls)
			if err != nil {
				return nil, fmt.Errorf("postgres: decode tool calls: %w", err)
			}
			m.ToolCalls = calls
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SaveSummary(ctx context.Context, chatID string, summary cortex.ChatMessage, replaces []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save summary: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	toolCalls, err := marshalToolCalls(summary.ToolCalls)
	if err != nil {
		return fmt.Errorf("postgres: save summary: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages (id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, TRUE, FALSE, $7, $8::jsonb, $9)`,
		summary.ID, chatID, string(summary.Role), summary.Content, nullableJSON(toolCalls), summary.ToolCallID, string(cortex.MessageTypeSummary), nullableJSON(string(summary.Metadata)), summary.CreatedAt); err != nil {
		return fmt.Errorf("postgres: save summary message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO summaries (chat_id, message_id, created_at) VALUES ($1, $2, $3)`,
		chatID, summary.ID, summary.CreatedAt); err != nil {
		return fmt.Errorf("postgres: save summary checkpoint: %w", err)
	}
	for _, replacedID := range replaces {
		if _, err := tx.Exec(ctx,
			`INSERT INTO summary_replaces (chat_id, message_id, replaced_id) VALUES ($1, $2, $3)`,
			chatID, summary.ID, replacedID); err != nil {
			return fmt.Errorf("postgres: save summary replaces: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) LatestSummary(ctx context.Context, chatID string) (cortex.ChatMessage, error) {
	var messageID string
	err := s.pool.QueryRow(ctx,
		`SELECT message_id FROM summaries WHERE chat_id = $1 ORDER BY created_at DESC LIMIT 1`, chatID,
	).Scan(&messageID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return cortex.ChatMessage{}, &cortex.NotFoundError{Kind: "Summary", ID: chatID}
		}
		return cortex.ChatMessage{}, fmt.Errorf("postgres: latest summary: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at
		 FROM chat_messages WHERE id = $1`, messageID)
	if err != nil {
		return cortex.ChatMessage{}, fmt.Errorf("postgres: latest summary: %w", err)
	}
	defer rows.Close()
	messages, err := scanChatMessages(rows)
	if err != nil {
		return cortex.ChatMessage{}, err
	}
	if len(messages) == 0 {
		return cortex.ChatMessage{}, &cortex.NotFoundError{Kind: "Summary", ID: chatID}
	}
	return messages[0], nil
}

// --- Facts, tool results, task listing ---

func (s *Store) SaveFact(ctx context.Context, fact cortex.Node, derivedFrom string) error {
	if err := s.CreateNode(ctx, fact); err != nil {
		return err
	}
	if derivedFrom == "" {
		return nil
	}
	return s.CreateEdge(ctx, cortex.Edge{ID: cortex.NewID(), Type: cortex.EdgeDerivedFrom, FromID: fact.ID, ToID: derivedFrom, CreatedAt: fact.CreatedAt})
}

func (s *Store) SaveToolResult(ctx context.Context, result cortex.Node, producedBy string) error {
	if err := s.CreateNode(ctx, result); err != nil {
		return err
	}
	if producedBy == "" {
		return nil
	}
	return s.CreateEdge(ctx, cortex.Edge{ID: cortex.NewID(), Type: cortex.EdgeProduced, FromID: producedBy, ToID: result.ID, CreatedAt: result.CreatedAt})
}

// ListNodesByType implements cortex.NodeLister, the capability TaskQueue
// relies on to enumerate every Task node for a user.
func (s *Store) ListNodesByType(ctx context.Context, t cortex.NodeType, userID string) ([]cortex.Node, error) {
	query := `SELECT id, type, user_id, created_at, data FROM nodes WHERE type = $1`
	args := []any{string(t)}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list nodes by type: %w", err)
	}
	defer rows.Close()

	var out []cortex.Node
	for rows.Next() {
		var n cortex.Node
		var nodeType string
		var data []byte
		if err := rows.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan node: %w", err)
		}
		n.Type = cortex.NodeType(nodeType)
		n.Data = data
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchFullText implements cortex.FullTextSearcher over nodes using
// Postgres tsvector/tsquery with a GIN index.
func (s *Store) SearchFullText(ctx context.Context, query string, topK int) ([]cortex.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, user_id, created_at, data,
		        ts_rank(to_tsvector('english', data::text), plainto_tsquery('english', $1)) AS score
		 FROM nodes
		 WHERE to_tsvector('english', data::text) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`, query, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search full text: %w", err)
	}
	defer rows.Close()

	var out []cortex.Node
	for rows.Next() {
		var n cortex.Node
		var nodeType string
		var data []byte
		var score float32
		if err := rows.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan full text result: %w", err)
		}
		n.Type = cortex.NodeType(nodeType)
		n.Data = data
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchVector implements cortex.VectorSearcher using pgvector's cosine
// distance operator over whichever nodes carry an embedding set via
// SetNodeEmbedding. Nodes with no embedding are excluded, not scored zero.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, topK int) ([]cortex.ScoredNode, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, user_id, created_at, data,
		        1 - (embedding <=> $1::vector) AS score
		 FROM nodes
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`, embStr, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search vector: %w", err)
	}
	defer rows.Close()

	var out []cortex.ScoredNode
	for rows.Next() {
		var n cortex.Node
		var nodeType string
		var data []byte
		var score float32
		if err := rows.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector result: %w", err)
		}
		n.Type = cortex.NodeType(nodeType)
		n.Data = data
		out = append(out, cortex.ScoredNode{Node: n, Score: score})
	}
	return out, rows.Err()
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Helpers ---

func nullableJSON(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalToolCalls(calls []cortex.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalToolCalls(data []byte) ([]cortex.ToolCall, error) {
	var calls []cortex.ToolCall
	if err := json.Unmarshal(data, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
