// Package store defines the persistence boundary for documents, chat
// records and the canvas action log. Implementations live in memstore
// (process memory) and sqlitestore (SQLite file).
package store

import (
	"context"

	"github.com/oklog/ulid/v2"

	"diagram-collab-server/domain"
)

const (
	DefaultListLimit = 10
	DefaultChatLimit = 50
	MaxListLimit     = 100
)

// DocumentQuery filters ListDocuments. Empty fields do not filter.
type DocumentQuery struct {
	OwnerID      string
	Collaborator string
	PublicOnly   bool
	Search       string
	Skip         int
	Limit        int
}

// Normalize clamps skip and limit into range.
func (q DocumentQuery) Normalize() DocumentQuery {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	return q
}

type Documents interface {
	InsertDocument(ctx context.Context, doc *domain.Document) error
	FindDocument(ctx context.Context, id string) (*domain.Document, error)
	PatchDocument(ctx context.Context, id string, patch domain.DocumentPatch) (*domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, query DocumentQuery) ([]*domain.Document, error)
}

type Chats interface {
	InsertChat(ctx context.Context, rec *domain.ChatRecord) error
	FindChat(ctx context.Context, id string) (*domain.ChatRecord, error)
	UpdateChat(ctx context.Context, rec *domain.ChatRecord) error
	ListChats(ctx context.Context, documentID string, skip, limit int) ([]*domain.ChatRecord, error)
}

type Actions interface {
	InsertAction(ctx context.Context, action *domain.CanvasAction) error
}

type Store interface {
	Documents
	Chats
	Actions
	Close() error
}

// NewID returns a fresh, time-ordered record id.
func NewID() string {
	return ulid.Make().String()
}
