// Package websocket implements cortex.Forwarder over a WebSocket
// connection: one frame-based JSON protocol, one goroutine pair
// (read/write) per connection, ping/pong keepalive.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nevindra/cortex"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

// frame is the single wire shape exchanged over the socket: a request
// carries Text, a response carries Reply or Error.
type frame struct {
	ID    string `json:"id"`
	Text  string `json:"text,omitempty"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// Forwarder implements cortex.Forwarder over ws://, upgrading every
// incoming HTTP connection to a long-lived WebSocket session and
// handing each inbound frame to the supplied cortex.MessageFunc.
type Forwarder struct {
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server *http.Server

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Forwarder that listens on addr (e.g. ":8443") when
// Start is called.
func New(addr string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Forwarder{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Start begins serving WebSocket upgrades on addr and blocks until ctx
// is cancelled or the listener fails.
func (f *Forwarder) Start(ctx context.Context, handle cortex.MessageFunc) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		f.handleUpgrade(w, r, handle)
	})
	f.server = &http.Server{Addr: f.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return f.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (f *Forwarder) handleUpgrade(w http.ResponseWriter, r *http.Request, handle cortex.MessageFunc) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	ctx, cancel := context.WithCancel(r.Context())
	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: f.logger,
		handle: handle,
	}

	f.mu.Lock()
	f.sessions[s.id] = s
	f.mu.Unlock()

	go func() {
		s.run()
		f.mu.Lock()
		delete(f.sessions, s.id)
		f.mu.Unlock()
	}()
}

// Close shuts down the HTTP server and every active session.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	sessions := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	if f.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return f.server.Shutdown(shutdownCtx)
}

// session is one accepted WebSocket connection: a read loop decoding
// inbound frames and dispatching them to handle, and a write loop
// draining a buffered send channel, separated so a slow client can
// never block the goroutine doing the decode/dispatch work.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	handle cortex.MessageFunc

	closed atomic.Bool
}

func (s *session) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	close(s.send)
	_ = s.conn.Close()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			s.reply(frame{Error: fmt.Sprintf("invalid frame: %v", err)})
			continue
		}

		go s.dispatch(in)
	}
}

func (s *session) dispatch(in frame) {
	reply, err := s.handle(s.ctx, s.id, s.userID, in.Text)
	if err != nil {
		s.reply(frame{ID: in.ID, Error: err.Error()})
		return
	}
	s.reply(frame{ID: in.ID, Reply: reply})
}

func (s *session) reply(out frame) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
