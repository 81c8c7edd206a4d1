// Package api serves the REST surface: document CRUD, collaborator
// management and chat history. Mutations that passive listeners care about
// are pushed to the event relay after they commit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"diagram-collab-server/auth"
	"diagram-collab-server/domain"
	"diagram-collab-server/sse"
	"diagram-collab-server/store"
)

type AccessChecker interface {
	Check(ctx context.Context, documentID string, user domain.User) (*domain.Document, error)
}

type EventPusher interface {
	Push(documentID string, event sse.Event)
}

type API struct {
	store    store.Store
	guard    AccessChecker
	events   EventPusher
	verifier auth.TokenVerifier
	now      func() time.Time
}

func New(s store.Store, guard AccessChecker, events EventPusher, verifier auth.TokenVerifier) *API {
	return &API{
		store:    s,
		guard:    guard,
		events:   events,
		verifier: verifier,
		now:      time.Now,
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, user domain.User)

func (a *API) authed(h userHandler) http.Handler {
	return auth.Middleware(a.verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())
		h(w, r, user)
	}))
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("POST /diagrams", a.authed(a.createDocument))
	mux.Handle("GET /diagrams", a.authed(a.listOwned))
	mux.Handle("GET /diagrams/shared", a.authed(a.listShared))
	mux.HandleFunc("GET /diagrams/public", a.listPublic)
	mux.Handle("GET /diagrams/{id}", a.authed(a.getDocument))
	mux.Handle("PUT /diagrams/{id}", a.authed(a.updateDocument))
	mux.Handle("DELETE /diagrams/{id}", a.authed(a.deleteDocument))
	mux.Handle("POST /diagrams/{id}/collaborators/{email}", a.authed(a.addCollaborator))
	mux.Handle("DELETE /diagrams/{id}/collaborators/{email}", a.authed(a.removeCollaborator))

	mux.Handle("GET /chat/{id}/messages", a.authed(a.listChat))
	mux.Handle("POST /chat/{id}/messages", a.authed(a.postChat))
	mux.Handle("PUT /chat/{id}/messages/{messageId}", a.authed(a.editChat))
	mux.Handle("DELETE /chat/{id}/messages/{messageId}", a.authed(a.deleteChat))
	mux.Handle("POST /chat/{id}/messages/{messageId}/reactions", a.authed(a.toggleReaction))
}

type apiError struct {
	status int
	detail string
}

func (e *apiError) Error() string { return e.detail }

func badRequest(detail string) error { return &apiError{status: http.StatusBadRequest, detail: detail} }
func forbidden(detail string) error  { return &apiError{status: http.StatusForbidden, detail: detail} }
func notFound(detail string) error   { return &apiError{status: http.StatusNotFound, detail: detail} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write error", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr):
		writeJSON(w, apiErr.status, map[string]string{"detail": apiErr.detail})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Diagram not found"})
	case errors.Is(err, domain.ErrAccessDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied to this diagram"})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("Invalid request body")
	}
	return nil
}

func message(text string) map[string]string {
	return map[string]string{"message": text}
}

// pagination reads skip and limit, rejecting values outside 0.. and 1..100.
func pagination(r *http.Request, defaultLimit int) (skip, limit int, err error) {
	skip, limit = 0, defaultLimit
	q := r.URL.Query()
	if v := q.Get("skip"); v != "" {
		skip, err = strconv.Atoi(v)
		if err != nil || skip < 0 {
			return 0, 0, badRequest("skip must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > store.MaxListLimit {
			return 0, 0, badRequest("limit must be between 1 and 100")
		}
	}
	return skip, limit, nil
}
