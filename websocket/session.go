package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"diagram-collab-server/domain"
	"diagram-collab-server/protocol"
)

type Authenticator interface {
	Verify(token string) (domain.User, error)
}

type AccessChecker interface {
	Check(ctx context.Context, documentID string, user domain.User) (*domain.Document, error)
}

type MessageHandler interface {
	Handle(ctx context.Context, peer protocol.Peer, data []byte)
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Server upgrades /ws/diagram/{id} requests and runs one session per
// connection.
type Server struct {
	upgrader websocket.Upgrader
	verifier Authenticator
	guard    AccessChecker
	presence domain.Presence
	handler  MessageHandler

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server. An empty allowedOrigins accepts any origin.
func NewServer(verifier Authenticator, guard AccessChecker, presence domain.Presence, handler MessageHandler, allowedOrigins []string) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		verifier: verifier,
		guard:    guard,
		presence: presence,
		handler:  handler,
		sessions: make(map[*session]struct{}),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	token := r.URL.Query().Get("token")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	sess := &session{
		server:     s,
		conn:       NewConn(uuid.New().String(), ws),
		documentID: documentID,
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go sess.run(token)
}

// Shutdown closes every open session with a going-away code and waits for
// their cleanup, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	server     *Server
	conn       *Conn
	documentID string
	user       domain.User
	joined     bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	once  sync.Once
}

func (ss *session) setState(state State) {
	ss.mu.Lock()
	ss.state = state
	ss.mu.Unlock()
	slog.Debug("session state", "clientId", ss.conn.ID(), "document", ss.documentID, "state", state)
}

func (ss *session) run(token string) {
	defer ss.cleanup()

	ss.setState(StateAuthenticating)
	user, err := ss.server.verifier.Verify(token)
	if err != nil {
		slog.Warn("authentication failed", "clientId", ss.conn.ID(), "document", ss.documentID, "error", err)
		ss.conn.CloseWith(websocket.ClosePolicyViolation, "Authentication failed")
		return
	}
	ss.user = user

	ss.setState(StateJoining)
	if _, err := ss.server.guard.Check(ss.ctx, ss.documentID, user); err != nil {
		slog.Warn("join rejected", "clientId", ss.conn.ID(), "document", ss.documentID, "user", user.ID, "error", err)
		if errors.Is(err, domain.ErrNotFound) {
			ss.conn.CloseWith(CloseNotFound, "Diagram not found")
		} else {
			ss.conn.CloseWith(websocket.ClosePolicyViolation, "Access denied")
		}
		return
	}

	go ss.conn.writePump()
	if err := ss.server.presence.Join(ss.documentID, ss.conn, user); err != nil {
		slog.Error("join error", "clientId", ss.conn.ID(), "document", ss.documentID, "error", err)
		ss.conn.CloseWith(websocket.CloseInternalServerErr, "join failed")
		return
	}
	ss.joined = true

	ss.setState(StateActive)
	peer := protocol.Peer{Conn: ss.conn, DocumentID: ss.documentID, User: user}
	ss.conn.readPump(func(data []byte) {
		ss.server.handler.Handle(ss.ctx, peer, data)
	})
}

// cleanup runs exactly once per session however it ended.
func (ss *session) cleanup() {
	ss.once.Do(func() {
		if ss.joined {
			ss.server.presence.Leave(ss.documentID, ss.conn)
		}
		ss.conn.Close()
		ss.cancel()

		ss.mu.Lock()
		last := ss.state
		ss.state = StateClosed
		ss.mu.Unlock()
		slog.Info("session closed", "clientId", ss.conn.ID(), "document", ss.documentID, "user", ss.user.ID, "from", last)

		ss.server.mu.Lock()
		delete(ss.server.sessions, ss)
		ss.server.mu.Unlock()
		ss.server.wg.Done()
	})
}
