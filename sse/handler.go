package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"diagram-collab-server/auth"
	"diagram-collab-server/domain"
)

const DefaultHeartbeat = 30 * time.Second

type AccessChecker interface {
	Check(ctx context.Context, documentID string, user domain.User) (*domain.Document, error)
}

// Handler serves GET /sse/diagram/{id}. It expects auth.Middleware in front
// of it to attach the caller's identity.
type Handler struct {
	relay     *Relay
	guard     AccessChecker
	heartbeat time.Duration
	now       func() time.Time
}

func NewHandler(relay *Relay, guard AccessChecker, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{relay: relay, guard: guard, heartbeat: heartbeat, now: time.Now}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	if _, err := h.guard.Check(r.Context(), documentID, user); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeDetail(w, http.StatusNotFound, "Diagram not found")
		case errors.Is(err, domain.ErrAccessDenied):
			writeDetail(w, http.StatusForbidden, "Access denied to this diagram")
		default:
			slog.Error("sse access check error", "document", documentID, "error", err)
			writeDetail(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	slog.Info("sse connection", "document", documentID, "user", user.ID)
	if err := h.Stream(r.Context(), w, documentID); err != nil {
		slog.Debug("sse stream ended", "document", documentID, "user", user.ID, "error", err)
	}
}

// Stream subscribes to documentID and writes events to w until ctx ends,
// the listener is dropped or a write fails.
func (h *Handler) Stream(ctx context.Context, w http.ResponseWriter, documentID string) error {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	l := h.relay.Subscribe(documentID)
	defer h.relay.Unsubscribe(l)

	send := func(data []byte) error {
		if err := writeEvent(w, data); err != nil {
			return err
		}
		return rc.Flush()
	}

	first, err := json.Marshal(Connected())
	if err != nil {
		return err
	}
	if err := send(first); err != nil {
		return err
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.Done():
			return errors.New("listener dropped")
		case data := <-l.Events():
			if err := send(data); err != nil {
				return err
			}
		case <-ticker.C:
			data, err := json.Marshal(Heartbeat(h.now()))
			if err != nil {
				return err
			}
			if err := send(data); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
