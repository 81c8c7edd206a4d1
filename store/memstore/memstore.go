package memstore

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"diagram-collab-server/domain"
	"diagram-collab-server/store"
)

// Store keeps everything in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type Store struct {
	mu        sync.RWMutex
	documents map[string]*domain.Document
	chats     map[string]*domain.ChatRecord
	actions   []*domain.CanvasAction
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		documents: make(map[string]*domain.Document),
		chats:     make(map[string]*domain.ChatRecord),
	}
}

func copyDocument(doc *domain.Document) *domain.Document {
	c := *doc
	c.DiagramData = slices.Clone(doc.DiagramData)
	c.Collaborators = slices.Clone(doc.Collaborators)
	if c.Collaborators == nil {
		c.Collaborators = []string{}
	}
	return &c
}

func copyChat(rec *domain.ChatRecord) *domain.ChatRecord {
	c := *rec
	if rec.UpdatedAt != nil {
		updated := *rec.UpdatedAt
		c.UpdatedAt = &updated
	}
	c.Reactions = make(map[string][]string, len(rec.Reactions))
	for emoji, users := range rec.Reactions {
		c.Reactions[emoji] = slices.Clone(users)
	}
	return &c
}

func (s *Store) InsertDocument(_ context.Context, doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = store.NewID()
	}
	if doc.DiagramData == nil {
		doc.DiagramData = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = copyDocument(doc)
	return nil
}

func (s *Store) FindDocument(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *Store) PatchDocument(_ context.Context, id string, patch domain.DocumentPatch) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Description != nil {
		doc.Description = *patch.Description
	}
	if patch.DiagramData != nil {
		doc.DiagramData = slices.Clone(patch.DiagramData)
	}
	if patch.IsPublic != nil {
		doc.IsPublic = *patch.IsPublic
	}
	if patch.Collaborators != nil {
		doc.Collaborators = slices.Clone(*patch.Collaborators)
	}
	doc.UpdatedAt = patch.UpdatedAt
	return copyDocument(doc), nil
}

func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.documents, id)
	maps.DeleteFunc(s.chats, func(_ string, rec *domain.ChatRecord) bool {
		return rec.DocumentID == id
	})
	return nil
}

func matchesSearch(doc *domain.Document, search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(doc.Title), search) ||
		strings.Contains(strings.ToLower(doc.Description), search)
}

func (s *Store) ListDocuments(_ context.Context, query store.DocumentQuery) ([]*domain.Document, error) {
	query = query.Normalize()

	s.mu.RLock()
	var matched []*domain.Document
	for _, doc := range s.documents {
		if query.OwnerID != "" && doc.OwnerID != query.OwnerID {
			continue
		}
		if query.Collaborator != "" && !slices.Contains(doc.Collaborators, query.Collaborator) {
			continue
		}
		if query.PublicOnly && !doc.IsPublic {
			continue
		}
		if !matchesSearch(doc, query.Search) {
			continue
		}
		matched = append(matched, copyDocument(doc))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if query.PublicOnly {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	return page(matched, query.Skip, query.Limit), nil
}

func page[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	items = items[skip:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *Store) InsertChat(_ context.Context, rec *domain.ChatRecord) error {
	if rec.ID == "" {
		rec.ID = store.NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[rec.ID] = copyChat(rec)
	return nil
}

func (s *Store) FindChat(_ context.Context, id string) (*domain.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.chats[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyChat(rec), nil
}

func (s *Store) UpdateChat(_ context.Context, rec *domain.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[rec.ID]; !ok {
		return domain.ErrNotFound
	}
	s.chats[rec.ID] = copyChat(rec)
	return nil
}

func (s *Store) ListChats(_ context.Context, documentID string, skip, limit int) ([]*domain.ChatRecord, error) {
	s.mu.RLock()
	var matched []*domain.ChatRecord
	for _, rec := range s.chats {
		if rec.DocumentID == documentID && !rec.IsDeleted {
			matched = append(matched, copyChat(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if limit <= 0 {
		limit = store.DefaultChatLimit
	}
	return page(matched, max(skip, 0), limit), nil
}

func (s *Store) InsertAction(_ context.Context, action *domain.CanvasAction) error {
	if action.ID == "" {
		action.ID = store.NewID()
	}
	c := *action
	c.Data = slices.Clone(action.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, &c)
	return nil
}

func (s *Store) Close() error { return nil }
