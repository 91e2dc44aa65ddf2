package cortex

import (
	"context"
	"sync"
)

// fakeStore is a minimal in-memory KnowledgeStore used by this package's
// own tests (TaskQueue, MessageService, Scheduler) so they exercise real
// persistence semantics without pulling in store/sqlite or store/postgres.
type fakeStore struct {
	mu sync.Mutex

	nodes map[string]Node
	edges []Edge

	chats    map[string]Chat
	messages map[string][]ChatMessage
	summary  map[string]ChatMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    make(map[string]Node),
		chats:    make(map[string]Chat),
		messages: make(map[string][]ChatMessage),
		summary:  make(map[string]ChatMessage),
	}
}

func (s *fakeStore) CreateNode(ctx context.Context, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}

func (s *fakeStore) GetNode(ctx context.Context, id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, &NotFoundError{Kind: "Node", ID: id}
	}
	return n, nil
}

func (s *fakeStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return &NotFoundError{Kind: "Node", ID: id}
	}
	delete(s.nodes, id)
	return nil
}

func (s *fakeStore) CreateEdge(ctx context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, e)
	return nil
}

func (s *fakeStore) EdgesFrom(ctx context.Context, fromID string, t EdgeType) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for _, e := range s.edges {
		if e.FromID == fromID && e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) EdgesTo(ctx context.Context, toID string, t EdgeType) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for _, e := range s.edges {
		if e.ToID == toID && e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateChat(ctx context.Context, c Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
	return nil
}

func (s *fakeStore) GetChat(ctx context.Context, id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, &NotFoundError{Kind: "Chat", ID: id}
	}
	return c, nil
}

func (s *fakeStore) ListChats(ctx context.Context, userID string, limit int) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Chat
	for _, c := range s.chats {
		if userID == "" || c.UserID == userID {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	delete(s.messages, id)
	delete(s.summary, id)
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, m ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ChatID] = append(s.messages[m.ChatID], m)
	return nil
}

func (s *fakeStore) GetChatMessages(ctx context.Context, chatID string, useSessionFallback bool, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[chatID]
	if limit <= 0 || limit >= len(all) {
		out := make([]ChatMessage, len(all))
		copy(out, all)
		return out, nil
	}
	out := make([]ChatMessage, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (s *fakeStore) SaveSummary(ctx context.Context, chatID string, summary ChatMessage, replaces []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary[chatID] = summary
	return nil
}

func (s *fakeStore) LatestSummary(ctx context.Context, chatID string) (ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.summary[chatID]
	if !ok {
		return ChatMessage{}, &NotFoundError{Kind: "Summary", ID: chatID}
	}
	return m, nil
}

func (s *fakeStore) SaveFact(ctx context.Context, fact Node, derivedFrom string) error {
	return s.CreateNode(ctx, fact)
}

func (s *fakeStore) SaveToolResult(ctx context.Context, result Node, producedBy string) error {
	return s.CreateNode(ctx, result)
}

func (s *fakeStore) Init(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

// ListNodesByType implements NodeLister, required by TaskQueue.
func (s *fakeStore) ListNodesByType(ctx context.Context, t NodeType, userID string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Node
	for _, n := range s.nodes {
		if n.Type != t {
			continue
		}
		if userID != "" && n.UserID != userID {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

var (
	_ KnowledgeStore = (*fakeStore)(nil)
	_ NodeLister     = (*fakeStore)(nil)
)
