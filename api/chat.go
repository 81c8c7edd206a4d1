package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"diagram-collab-server/access"
	"diagram-collab-server/domain"
	"diagram-collab-server/sse"
	"diagram-collab-server/store"
)

type chatRequest struct {
	Message     string  `json:"message"`
	MessageType string  `json:"message_type"`
	ReplyTo     *string `json:"reply_to"`
}

func validMessage(text string) bool {
	return strings.TrimSpace(text) != "" && utf8.RuneCountInString(text) <= domain.MaxChatMessageLength
}

// chatRecord loads messageId and checks it belongs to the document in the path.
func (a *API) chatRecord(r *http.Request) (*domain.ChatRecord, error) {
	rec, err := a.store.FindChat(r.Context(), r.PathValue("messageId"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, notFound("Message not found")
		}
		return nil, err
	}
	if rec.DocumentID != r.PathValue("id") {
		return nil, notFound("Message not found")
	}
	return rec, nil
}

func (a *API) listChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	if _, err := a.guard.Check(r.Context(), id, user); err != nil {
		writeError(w, r, err)
		return
	}
	skip, limit, err := pagination(r, store.DefaultChatLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	records, err := a.store.ListChats(r.Context(), id, skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.ChatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) postChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	if _, err := a.guard.Check(r.Context(), id, user); err != nil {
		writeError(w, r, err)
		return
	}

	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !validMessage(req.Message) {
		writeError(w, r, badRequest("message must be between 1 and 2000 characters"))
		return
	}

	rec := &domain.ChatRecord{
		DocumentID:  id,
		UserID:      user.ID,
		Username:    user.Username,
		UserAvatar:  user.Avatar,
		Message:     req.Message,
		MessageType: req.MessageType,
		CreatedAt:   a.now().UTC(),
		Reactions:   map[string][]string{},
	}
	if rec.MessageType == "" {
		rec.MessageType = "text"
	}
	if req.ReplyTo != nil {
		rec.ReplyTo = *req.ReplyTo
	}
	if err := a.store.InsertChat(r.Context(), rec); err != nil {
		writeError(w, r, err)
		return
	}

	a.events.Push(id, sse.ChatMessage(domain.NewChatView(*rec)))
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) editChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if _, err := a.guard.Check(r.Context(), r.PathValue("id"), user); err != nil {
		writeError(w, r, err)
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !validMessage(req.Message) {
		writeError(w, r, badRequest("message must be between 1 and 2000 characters"))
		return
	}

	rec, err := a.chatRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.UserID != user.ID {
		writeError(w, r, forbidden("You can only edit your own messages"))
		return
	}
	if rec.IsDeleted {
		writeError(w, r, badRequest("Cannot edit deleted message"))
		return
	}

	now := a.now().UTC()
	rec.Message = req.Message
	rec.IsEdited = true
	rec.UpdatedAt = &now
	if err := a.store.UpdateChat(r.Context(), rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := a.guard.Check(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := a.chatRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.UserID != user.ID && !access.IsOwner(doc, user) {
		writeError(w, r, forbidden("You can only delete your own messages or you must be the diagram owner"))
		return
	}

	now := a.now().UTC()
	rec.IsDeleted = true
	rec.UpdatedAt = &now
	if err := a.store.UpdateChat(r.Context(), rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message("Chat message deleted successfully"))
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request, user domain.User) {
	if _, err := a.guard.Check(r.Context(), r.PathValue("id"), user); err != nil {
		writeError(w, r, err)
		return
	}
	emoji := r.URL.Query().Get("emoji")
	if emoji == "" {
		writeError(w, r, badRequest("emoji is required"))
		return
	}

	rec, err := a.chatRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.IsDeleted {
		writeError(w, r, notFound("Message not found"))
		return
	}

	if rec.Reactions == nil {
		rec.Reactions = map[string][]string{}
	}
	users := rec.Reactions[emoji]
	if i := slices.Index(users, user.ID); i >= 0 {
		users = slices.Delete(users, i, i+1)
	} else {
		users = append(users, user.ID)
	}
	if len(users) == 0 {
		delete(rec.Reactions, emoji)
	} else {
		rec.Reactions[emoji] = users
	}

	if err := a.store.UpdateChat(r.Context(), rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Reaction updated successfully",
		"reactions": rec.Reactions,
	})
}
