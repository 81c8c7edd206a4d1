package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrAlreadyJoined    = errors.New("connection already joined a room")
	ErrConnectionClosed = errors.New("connection closed")
)

// User is the identity attached to a connection once its token verified.
type User struct {
	ID       string
	Username string
	Email    string
	Avatar   string
}

// Ref is the attribution block carried by outbound frames.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Username: u.Username}
}

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Connection is a live duplex channel to one peer. Send must not block.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type Broadcaster interface {
	Broadcast(documentID string, frame Outbound, exclude Connection)
}

type Presence interface {
	Broadcaster
	Join(documentID string, conn Connection, user User) error
	Leave(documentID string, conn Connection)
	ListUsers(documentID string) []UserRef
	Stats() (rooms, clients int)
}

type Document struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	DiagramData   json.RawMessage `json:"diagram_data"`
	OwnerID       string          `json:"user_id"`
	IsPublic      bool            `json:"is_public"`
	Collaborators []string        `json:"collaborators"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DocumentPatch lists the fields to change; nil fields are left alone.
type DocumentPatch struct {
	Title         *string
	Description   *string
	DiagramData   json.RawMessage
	IsPublic      *bool
	Collaborators *[]string
	UpdatedAt     time.Time
}

// Fields returns the patch as the map pushed to passive listeners.
func (p DocumentPatch) Fields() map[string]any {
	fields := map[string]any{"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano)}
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.DiagramData != nil {
		fields["diagram_data"] = p.DiagramData
	}
	if p.IsPublic != nil {
		fields["is_public"] = *p.IsPublic
	}
	if p.Collaborators != nil {
		fields["collaborators"] = *p.Collaborators
	}
	return fields
}

type ChatRecord struct {
	ID          string              `json:"id"`
	DocumentID  string              `json:"diagram_id"`
	UserID      string              `json:"user_id"`
	Username    string              `json:"username"`
	UserAvatar  string              `json:"user_avatar,omitempty"`
	Message     string              `json:"message"`
	MessageType string              `json:"message_type"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   *time.Time          `json:"updated_at,omitempty"`
	IsEdited    bool                `json:"is_edited"`
	IsDeleted   bool                `json:"is_deleted"`
	Reactions   map[string][]string `json:"reactions"`
}

// CanvasAction is a drawing action kept in the document's action log.
type CanvasAction struct {
	ID         string
	DocumentID string
	UserID     string
	ActionType string
	Data       json.RawMessage
	CreatedAt  time.Time
}
