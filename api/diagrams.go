package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"slices"
	"unicode/utf8"

	"diagram-collab-server/access"
	"diagram-collab-server/domain"
	"diagram-collab-server/sse"
	"diagram-collab-server/store"
)

const maxTitleLength = 200

var emptyDiagram = json.RawMessage(`{"elements":[],"canvas_state":{}}`)

type createDocumentRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	DiagramData   json.RawMessage `json:"diagram_data"`
	IsPublic      bool            `json:"is_public"`
	Collaborators []string        `json:"collaborators"`
}

type updateDocumentRequest struct {
	Title         *string         `json:"title"`
	Description   *string         `json:"description"`
	DiagramData   json.RawMessage `json:"diagram_data"`
	IsPublic      *bool           `json:"is_public"`
	Collaborators *[]string       `json:"collaborators"`
}

func validTitle(title string) bool {
	n := utf8.RuneCountInString(title)
	return n >= 1 && n <= maxTitleLength
}

// diagramData returns raw if it is a JSON object, nil if it is absent.
func diagramData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, badRequest("diagram_data must be an object")
	}
	return trimmed, nil
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !validTitle(req.Title) {
		writeError(w, r, badRequest("title must be between 1 and 200 characters"))
		return
	}
	data, err := diagramData(req.DiagramData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		data = emptyDiagram
	}
	if req.Collaborators == nil {
		req.Collaborators = []string{}
	}

	now := a.now().UTC()
	doc := &domain.Document{
		Title:         req.Title,
		Description:   req.Description,
		DiagramData:   data,
		OwnerID:       user.ID,
		IsPublic:      req.IsPublic,
		Collaborators: req.Collaborators,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.InsertDocument(r.Context(), doc); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) listDocuments(w http.ResponseWriter, r *http.Request, query store.DocumentQuery) {
	skip, limit, err := pagination(r, store.DefaultListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	query.Skip, query.Limit = skip, limit
	query.Search = r.URL.Query().Get("search")

	docs, err := a.store.ListDocuments(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []*domain.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *API) listOwned(w http.ResponseWriter, r *http.Request, user domain.User) {
	a.listDocuments(w, r, store.DocumentQuery{OwnerID: user.ID})
}

func (a *API) listShared(w http.ResponseWriter, r *http.Request, user domain.User) {
	collaborator := user.Email
	if collaborator == "" {
		collaborator = user.ID
	}
	a.listDocuments(w, r, store.DocumentQuery{Collaborator: collaborator})
}

func (a *API) listPublic(w http.ResponseWriter, r *http.Request) {
	a.listDocuments(w, r, store.DocumentQuery{PublicOnly: true})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := a.guard.Check(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) updateDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	var req updateDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := a.store.FindDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !access.CanEdit(doc, user) {
		writeError(w, r, forbidden("Access denied to update this diagram"))
		return
	}

	patch := domain.DocumentPatch{
		Title:       req.Title,
		Description: req.Description,
		UpdatedAt:   a.now().UTC(),
	}
	if patch.Title != nil && !validTitle(*patch.Title) {
		writeError(w, r, badRequest("title must be between 1 and 200 characters"))
		return
	}
	if patch.DiagramData, err = diagramData(req.DiagramData); err != nil {
		writeError(w, r, err)
		return
	}
	if access.IsOwner(doc, user) {
		patch.IsPublic = req.IsPublic
		patch.Collaborators = req.Collaborators
	}

	updated, err := a.store.PatchDocument(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	fields := patch.Fields()
	a.events.Push(id, sse.CanvasUpdate(map[string]any{
		"type":       domain.TypeDiagramUpdate,
		"diagram_id": id,
		"updates":    fields,
		"updated_at": fields["updated_at"],
	}))
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) ownedDocument(r *http.Request, user domain.User, denied string) (*domain.Document, error) {
	doc, err := a.store.FindDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if !access.IsOwner(doc, user) {
		return nil, forbidden(denied)
	}
	return doc, nil
}

func (a *API) deleteDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := a.ownedDocument(r, user, "Only the owner can delete this diagram")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.store.DeleteDocument(r.Context(), doc.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message("Diagram deleted successfully"))
}

func (a *API) addCollaborator(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := a.ownedDocument(r, user, "Only the owner can add collaborators")
	if err != nil {
		writeError(w, r, err)
		return
	}
	email := r.PathValue("email")
	if email == "" {
		writeError(w, r, badRequest("collaborator email is required"))
		return
	}
	if !slices.Contains(doc.Collaborators, email) {
		collaborators := append(slices.Clone(doc.Collaborators), email)
		patch := domain.DocumentPatch{Collaborators: &collaborators, UpdatedAt: a.now().UTC()}
		if _, err := a.store.PatchDocument(r.Context(), doc.ID, patch); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, message("Collaborator added successfully"))
}

func (a *API) removeCollaborator(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := a.ownedDocument(r, user, "Only the owner can remove collaborators")
	if err != nil {
		writeError(w, r, err)
		return
	}
	email := r.PathValue("email")
	collaborators := slices.DeleteFunc(slices.Clone(doc.Collaborators), func(c string) bool { return c == email })
	if len(collaborators) != len(doc.Collaborators) {
		patch := domain.DocumentPatch{Collaborators: &collaborators, UpdatedAt: a.now().UTC()}
		if _, err := a.store.PatchDocument(r.Context(), doc.ID, patch); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, message("Collaborator removed successfully"))
}
