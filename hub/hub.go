package hub

import (
	"log/slog"
	"sync"
	"time"

	"diagram-collab-server/domain"
	"diagram-collab-server/metrics"
)

type member struct {
	conn domain.Connection
	user domain.User
}

type room struct {
	members []member
	mu      sync.RWMutex
}

// users lists attached users once each, in join order, leaving out the
// user with id skipUser.
func (r *room) users(skipUser string) []domain.UserRef {
	seen := make(map[string]bool, len(r.members))
	users := make([]domain.UserRef, 0, len(r.members))
	for _, m := range r.members {
		if m.user.ID == skipUser || seen[m.user.ID] {
			continue
		}
		seen[m.user.ID] = true
		users = append(users, m.user.Ref())
	}
	return users
}

// has reports whether any connection of userID is in the room.
func (r *room) has(userID string) bool {
	for _, m := range r.members {
		if m.user.ID == userID {
			return true
		}
	}
	return false
}

// Hub is the process-wide presence registry and room broadcaster.
// Lock order is Hub.mu before room.mu.
type Hub struct {
	rooms  map[string]*room
	joined map[string]string
	mu     sync.RWMutex

	metrics *metrics.Metrics
	now     func() time.Time
}

func New(m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		joined:  make(map[string]string),
		metrics: m,
		now:     time.Now,
	}
}

func (h *Hub) encode(frame domain.Outbound) []byte {
	data, err := domain.EncodeOutbound(frame, h.now())
	if err != nil {
		slog.Error("encode error", "type", frame.Type(), "error", err)
		return nil
	}
	return data
}

// Join attaches conn to the document's room. The joiner is sent an
// active_users snapshot of the other users before anything else can be
// queued to it. user_joined goes out only for a user's first connection,
// and never to that user's own tabs.
func (h *Hub) Join(documentID string, conn domain.Connection, user domain.User) error {
	h.mu.Lock()
	if _, ok := h.joined[conn.ID()]; ok {
		h.mu.Unlock()
		return domain.ErrAlreadyJoined
	}
	r, exists := h.rooms[documentID]
	if !exists {
		r = &room{}
		h.rooms[documentID] = r
		slog.Info("room created", "document", documentID)
	}
	h.joined[conn.ID()] = documentID

	r.mu.Lock()
	h.mu.Unlock()

	present := r.has(user.ID)
	others := r.users(user.ID)
	r.members = append(r.members, member{conn: conn, user: user})
	count := len(r.members)

	var failed []domain.Connection
	if data := h.encode(domain.ActiveUsers{Users: others}); data != nil {
		if err := conn.Send(data); err != nil {
			failed = append(failed, conn)
		}
	}
	if !present {
		if data := h.encode(domain.UserJoined{User: user.Ref()}); data != nil {
			failed = append(failed, h.deliver(r, data, func(m member) bool { return m.user.ID == user.ID })...)
		}
	}
	r.mu.Unlock()

	slog.Info("client joined", "document", documentID, "clientId", conn.ID(), "user", user.ID, "clients", count)
	h.evict(documentID, failed)
	return nil
}

// Leave detaches conn. The remaining members are sent user_left once the
// user's last connection is gone. Calling it for a connection that is not in
// the room does nothing.
func (h *Hub) Leave(documentID string, conn domain.Connection) {
	h.mu.Lock()
	if h.joined[conn.ID()] != documentID {
		h.mu.Unlock()
		return
	}
	delete(h.joined, conn.ID())
	r, exists := h.rooms[documentID]
	if !exists {
		h.mu.Unlock()
		return
	}

	r.mu.Lock()
	var (
		user      domain.User
		found     bool
		stillHere bool
	)
	for i, m := range r.members {
		if m.conn.ID() == conn.ID() {
			user, found = m.user, true
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	if found {
		stillHere = r.has(user.ID)
	}
	count := len(r.members)
	if count == 0 {
		delete(h.rooms, documentID)
	}
	r.mu.Unlock()
	h.mu.Unlock()

	if !found {
		return
	}
	slog.Info("client left", "document", documentID, "clientId", conn.ID(), "user", user.ID, "clients", count)

	if count == 0 {
		slog.Info("room removed", "document", documentID)
		return
	}
	if stillHere {
		return
	}
	h.Broadcast(documentID, domain.UserLeft{User: user.Ref()}, nil)
}

// Broadcast encodes frame once and queues it to every member except exclude.
// Members whose queue rejects the frame are closed and removed afterwards.
func (h *Hub) Broadcast(documentID string, frame domain.Outbound, exclude domain.Connection) {
	h.mu.RLock()
	r, exists := h.rooms[documentID]
	h.mu.RUnlock()

	if !exists {
		return
	}

	data := h.encode(frame)
	if data == nil {
		return
	}

	r.mu.RLock()
	failed := h.deliver(r, data, func(m member) bool {
		return exclude != nil && m.conn.ID() == exclude.ID()
	})
	r.mu.RUnlock()

	h.evict(documentID, failed)
}

// deliver sends data to every member skip does not match. It must be called
// with r.mu held.
func (h *Hub) deliver(r *room, data []byte, skip func(member) bool) []domain.Connection {
	var failed []domain.Connection
	for _, m := range r.members {
		if skip(m) {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			failed = append(failed, m.conn)
		}
	}
	return failed
}

func (h *Hub) evict(documentID string, failed []domain.Connection) {
	for _, conn := range failed {
		h.metrics.DeliveryFailed(metrics.ChannelWS)
		slog.Warn("delivery failed, evicting", "document", documentID, "clientId", conn.ID())
		go func(c domain.Connection) {
			c.Close()
			h.Leave(documentID, c)
		}(conn)
	}
}

func (h *Hub) ListUsers(documentID string) []domain.UserRef {
	h.mu.RLock()
	r, exists := h.rooms[documentID]
	h.mu.RUnlock()

	if !exists {
		return []domain.UserRef{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users("")
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		clients += len(r.members)
		r.mu.RUnlock()
	}
	return rooms, clients
}
