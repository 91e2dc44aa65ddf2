// Package sqlite implements cortex.KnowledgeStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/cortex"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store logs opening, Init (with its duration), node creation and
// closing; other operations are not logged. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cortex.KnowledgeStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ cortex.KnowledgeStore   = (*Store)(nil)
	_ cortex.FullTextSearcher = (*Store)(nil)
	_ cortex.NodeLister       = (*Store)(nil)
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB returns the underlying *sql.DB, for callers that need to share the
// connection (migrations, ad hoc diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Init creates every table the KnowledgeStore needs.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			properties TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT,
			model_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			is_summary INTEGER NOT NULL DEFAULT 0,
			internal INTEGER NOT NULL DEFAULT 0,
			message_type TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS summary_replaces (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			replaced_id TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_nodes_type_user ON nodes(type, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple ON edges(from_id, to_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, created_at)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 full-text index over node content (chat messages are not
	// indexed), for
	// SearchFullText. Best-effort: a build without FTS5 compiled in still
	// works for everything except full-text search.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(node_id UNINDEXED, content)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) CreateNode(ctx context.Context, n cortex.Node) error {
	s.logger.Debug("sqlite: create node", "id", n.ID, "type", n.Type)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, type, user_id, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), n.UserID, n.CreatedAt, string(n.Data))
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `INSERT INTO nodes_fts (node_id, content) VALUES (?, ?)`, n.ID, string(n.Data))
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (cortex.Node, error) {
	var n cortex.Node
	var nodeType, data string
	row := s.db.QueryRowContext(ctx, `SELECT id, type, user_id, created_at, data FROM nodes WHERE id = ?`, id)
	if err := row.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cortex.Node{}, &cortex.NotFoundError{Kind: "Node", ID: id}
		}
		return cortex.Node{}, fmt.Errorf("get node: %w", err)
	}
	n.Type = cortex.NodeType(nodeType)
	n.Data = []byte(data)
	return n, nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &cortex.NotFoundError{Kind: "Node", ID: id}
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, id)
	return nil
}

// CreateEdge upserts by the (from_id, to_id, type) triple: a first
// write inserts a new row, a repeat merges e.Properties into the
// existing row's properties rather than creating a duplicate edge.
func (s *Store) CreateEdge(ctx context.Context, e cortex.Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create edge: begin: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	var existingProps sql.NullString
	row := tx.QueryRowContext(ctx,
		`SELECT id, properties FROM edges WHERE from_id = ? AND to_id = ? AND type = ?`,
		e.FromID, e.ToID, string(e.Type))
	switch err := row.Scan(&existingID, &existingProps); {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (id, type, from_id, to_id, properties, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Type), e.FromID, e.ToID, string(e.Properties), e.CreatedAt); err != nil {
			return fmt.Errorf("create edge: %w", err)
		}
	case err != nil:
		return fmt.Errorf("create edge: lookup: %w", err)
	default:
		merged, err := cortex.MergeEdgeProperties([]byte(existingProps.String), e.Properties)
		if err != nil {
			return fmt.Errorf("create edge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE edges SET properties = ? WHERE id = ?`, string(merged), existingID); err != nil {
			return fmt.Errorf("create edge: update: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) EdgesFrom(ctx context.Context, fromID string, t cortex.EdgeType) ([]cortex.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, from_id, to_id, properties, created_at FROM edges WHERE from_id = ? AND type = ?`, fromID, string(t))
	if err != nil {
		return nil, fmt.Errorf("edges from: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *Store) EdgesTo(ctx context.Context, toID string, t cortex.EdgeType) ([]cortex.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, from_id, to_id, properties, created_at FROM edges WHERE to_id = ? AND type = ?`, toID, string(t))
	if err != nil {
		return nil, fmt.Errorf("edges to: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]cortex.Edge, error) {
	var out []cortex.Edge
	for rows.Next() {
		var e cortex.Edge
		var edgeType string
		var properties sql.NullString
		if err := rows.Scan(&e.ID, &edgeType, &e.FromID, &e.ToID, &properties, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Type = cortex.EdgeType(edgeType)
		if properties.Valid && properties.String != "" {
			e.Properties = []byte(properties.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateChat(ctx context.Context, c cortex.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, model_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.ModelID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id string) (cortex.Chat, error) {
	var c cortex.Chat
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, title, model_id, created_at, updated_at FROM chats WHERE id = ?`, id)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cortex.Chat{}, &cortex.NotFoundError{Kind: "Chat", ID: id}
		}
		return cortex.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]cortex.Chat, error) {
	query := `SELECT id, user_id, title, model_id, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []cortex.Chat
	for rows.Next() {
		var c cortex.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete chat: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat summaries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summary_replaces WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete summary replaces: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendMessage(ctx context.Context, m cortex.ChatMessage) error {
	toolCalls, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, string(m.Role), m.Content, toolCalls, m.ToolCallID, boolToInt(m.IsSummary), boolToInt(m.Internal), string(m.Type), string(m.Metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetChatMessages returns a chat's message history, most recent last.
// useSessionFallback is accepted for interface parity with the
// pre-migration session/chat model; this backend implements the
// chat-owns-messages model only and treats the flag as a documented
// no-op rather than silently ignoring an unrecognized parameter.
func (s *Store) GetChatMessages(ctx context.Context, chatID string, useSessionFallback bool, limit int) ([]cortex.ChatMessage, error) {
	const columns = `id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM (
				SELECT `+columns+` FROM chat_messages WHERE chat_id = ? ORDER BY created_at DESC LIMIT ?
			) ORDER BY created_at ASC`, chatID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM chat_messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat messages: %w", err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func scanChatMessages(rows *sql.Rows) ([]cortex.ChatMessage, error) {
	var out []cortex.ChatMessage
	for rows.Next() {
		var m cortex.ChatMessage
		var role string
		var toolCalls sql.NullString
		var toolCallID sql.NullString
		var isSummary int
		var internal int
		var messageType sql.NullString
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &toolCalls, &toolCallID, &isSummary, &internal, &messageType, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Role = cortex.Role(role)
		m.IsSummary = isSummary != 0
		m.Internal = internal != 0
		if messageType.Valid {
			m.Type = cortex.MessageType(messageType.String)
		}
		if toolCallID.Valid {
			m.ToolCallID = toolCallID.String
		}
		if metadata.Valid {
			m.Metadata = []byte(metadata.String)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			calls, err := unmarshalToolCalls(toolCalls.String)
			if err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
			m.ToolCalls = calls
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SaveSummary(ctx context.Context, chatID string, summary cortex.ChatMessage, replaces []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save summary: begin: %w", err)
	}
	defer tx.Rollback()

	toolCalls, err := marshalToolCalls(summary.ToolCalls)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
		summary.ID, chatID, string(summary.Role), summary.Content, toolCalls, summary.ToolCallID, string(cortex.MessageTypeSummary), string(summary.Metadata), summary.CreatedAt); err != nil {
		return fmt.Errorf("save summary message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO summaries (chat_id, message_id, created_at) VALUES (?, ?, ?)`,
		chatID, summary.ID, summary.CreatedAt); err != nil {
		return fmt.Errorf("save summary checkpoint: %w", err)
	}
	for _, replacedID := range replaces {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_replaces (chat_id, message_id, replaced_id) VALUES (?, ?, ?)`,
			chatID, summary.ID, replacedID); err != nil {
			return fmt.Errorf("save summary replaces: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LatestSummary(ctx context.Context, chatID string) (cortex.ChatMessage, error) {
	var messageID string
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM summaries WHERE chat_id = ? ORDER BY created_at DESC LIMIT 1`, chatID)
	if err := row.Scan(&messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cortex.ChatMessage{}, &cortex.NotFoundError{Kind: "Summary", ID: chatID}
		}
		return cortex.ChatMessage{}, fmt.Errorf("latest summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, tool_calls, tool_call_id, is_summary, internal, message_type, metadata, created_at
		 FROM chat_messages WHERE id = ?`, messageID)
	if err != nil {
		return cortex.ChatMessage{}, fmt.Errorf("latest summary: %w", err)
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
	query := `SELECT id, type, user_id, created_at, data FROM nodes WHERE type = ?`
	args := []any{string(t)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes by type: %w", err)
	}
	defer rows.Close()

	var out []cortex.Node
	for rows.Next() {
		var n cortex.Node
		var nodeType, data string
		if err := rows.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Type = cortex.NodeType(nodeType)
		n.Data = []byte(data)
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchFullText implements cortex.FullTextSearcher over the FTS5 index
// that CreateNode fills with each node's data; chat messages are not
// indexed.
func (s *Store) SearchFullText(ctx context.Context, query string, topK int) ([]cortex.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.id, n.type, n.user_id, n.created_at, n.data
		 FROM nodes_fts f JOIN nodes n ON n.id = f.node_id
		 WHERE nodes_fts MATCH ? ORDER BY rank LIMIT ?`, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search full text: %w", err)
	}
	defer rows.Close()

	var out []cortex.Node
	for rows.Next() {
		var n cortex.Node
		var nodeType, data string
		if err := rows.Scan(&n.ID, &nodeType, &n.UserID, &n.CreatedAt, &data); err != nil {
			return nil, fmt.Errorf("scan full text result: %w", err)
		}
		n.Type = cortex.NodeType(nodeType)
		n.Data = []byte(data)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func unmarshalToolCalls(s string) ([]cortex.ToolCall, error) {
	var calls []cortex.ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, err
	}
	return calls, nil
}
