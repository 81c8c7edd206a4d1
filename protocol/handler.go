package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"diagram-collab-server/access"
	"diagram-collab-server/domain"
	"diagram-collab-server/metrics"
	"diagram-collab-server/store"
)

// Peer is the sending side of an inbound frame.
type Peer struct {
	Conn       domain.Connection
	DocumentID string
	User       domain.User
}

// Handler dispatches inbound frames from active sessions.
type Handler struct {
	broadcaster domain.Broadcaster
	documents   store.Documents
	chats       store.Chats
	actions     store.Actions
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewHandler(b domain.Broadcaster, s store.Store, m *metrics.Metrics) *Handler {
	return &Handler{
		broadcaster: b,
		documents:   s,
		chats:       s,
		actions:     s,
		metrics:     m,
		now:         time.Now,
	}
}

// Handle decodes one frame and runs its storage and broadcast effects.
// Malformed frames are dropped; nothing here closes the connection.
func (h *Handler) Handle(ctx context.Context, peer Peer, data []byte) {
	msg, err := domain.DecodeInbound(data)
	if err != nil {
		h.metrics.FrameDropped()
		slog.Warn("invalid message", "clientId", peer.Conn.ID(), "document", peer.DocumentID, "error", err)
		return
	}
	h.metrics.FrameReceived(msg.Type())

	switch m := msg.(type) {
	case domain.DrawingAction:
		h.handleDrawing(ctx, peer, m)
	case domain.ChatMessage:
		h.handleChat(ctx, peer, m)
	case domain.CursorPosition:
		h.broadcaster.Broadcast(peer.DocumentID, domain.CursorRelay{Data: m.Data, User: peer.User.Ref()}, peer.Conn)
	case domain.DiagramUpdate:
		h.handleDiagramUpdate(ctx, peer, m)
	}
}

func (h *Handler) handleDrawing(ctx context.Context, peer Peer, m domain.DrawingAction) {
	if m.Persistent() {
		action := &domain.CanvasAction{
			DocumentID: peer.DocumentID,
			UserID:     peer.User.ID,
			ActionType: m.ActionType,
			Data:       m.Data,
			CreatedAt:  h.now().UTC(),
		}
		if err := h.actions.InsertAction(ctx, action); err != nil {
			h.persistenceFailed(peer, m.Type(), "drawing action was not saved", err)
		}
	}
	h.broadcaster.Broadcast(peer.DocumentID, domain.DrawingRelay{Data: m.Data, User: peer.User.Ref()}, peer.Conn)
}

func (h *Handler) handleChat(ctx context.Context, peer Peer, m domain.ChatMessage) {
	rec := &domain.ChatRecord{
		DocumentID:  peer.DocumentID,
		UserID:      peer.User.ID,
		Username:    peer.User.Username,
		UserAvatar:  peer.User.Avatar,
		Message:     m.Message,
		MessageType: m.MessageType,
		ReplyTo:     m.ReplyTo,
		CreatedAt:   h.now().UTC(),
		Reactions:   map[string][]string{},
	}
	if err := h.chats.InsertChat(ctx, rec); err != nil {
		h.persistenceFailed(peer, m.Type(), "chat message was not saved", err)
		return
	}
	h.broadcaster.Broadcast(peer.DocumentID, domain.ChatRelay{Record: *rec}, nil)
}

// handleDiagramUpdate applies the same edit rule as the REST update: viewers
// of a public diagram may watch but not rename or redraw it.
func (h *Handler) handleDiagramUpdate(ctx context.Context, peer Peer, m domain.DiagramUpdate) {
	doc, err := h.documents.FindDocument(ctx, peer.DocumentID)
	if err != nil {
		h.persistenceFailed(peer, m.Type(), updateFailure(err), err)
		return
	}
	if !access.CanEdit(doc, peer.User) {
		slog.Warn("diagram update rejected", "clientId", peer.Conn.ID(), "document", peer.DocumentID, "userId", peer.User.ID)
		h.sendError(peer, m.Type(), "not allowed to edit this diagram")
		return
	}

	patch := domain.DocumentPatch{
		Title:       m.Title,
		DiagramData: m.DiagramData,
		UpdatedAt:   h.now().UTC(),
	}
	if _, err := h.documents.PatchDocument(ctx, peer.DocumentID, patch); err != nil {
		h.persistenceFailed(peer, m.Type(), updateFailure(err), err)
		return
	}
	h.broadcaster.Broadcast(peer.DocumentID, domain.DiagramRelay{Data: m.Data, User: peer.User.Ref()}, peer.Conn)
}

func updateFailure(err error) string {
	if errors.Is(err, domain.ErrNotFound) {
		return "diagram no longer exists"
	}
	return "diagram update was not saved"
}

func (h *Handler) persistenceFailed(peer Peer, frameType, msg string, err error) {
	h.metrics.PersistenceFailed(frameType)
	slog.Error("persistence error", "clientId", peer.Conn.ID(), "document", peer.DocumentID, "type", frameType, "error", err)
	h.sendError(peer, frameType, msg)
}

func (h *Handler) sendError(peer Peer, frameType, msg string) {
	resp, err := domain.EncodeOutbound(domain.ErrorFrame{Message: msg, Frame: frameType}, h.now())
	if err != nil {
		return
	}
	if err := peer.Conn.Send(resp); err != nil {
		slog.Debug("error frame not delivered", "clientId", peer.Conn.ID(), "document", peer.DocumentID, "error", err)
	}
}
