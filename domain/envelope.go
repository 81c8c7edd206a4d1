package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	TypeDrawingAction  = "drawing_action"
	TypeChatMessage    = "chat_message"
	TypeCursorPosition = "cursor_position"
	TypeDiagramUpdate  = "diagram_update"

	TypeActiveUsers = "active_users"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeError       = "error"
)

const MaxChatMessageLength = 2000

// Inbound is one of DrawingAction, ChatMessage, CursorPosition or DiagramUpdate.
type Inbound interface {
	Type() string
	inbound()
}

type DrawingAction struct {
	ActionType string
	// Data is the client's payload, relayed verbatim.
	Data json.RawMessage
}

func (DrawingAction) Type() string { return TypeDrawingAction }
func (DrawingAction) inbound()     {}

// Persistent reports whether the action belongs in the canvas action log.
// Previews and other transient strokes are relayed but never stored.
func (a DrawingAction) Persistent() bool {
	switch a.ActionType {
	case "draw", "add_shape", "add_text":
		return true
	}
	return false
}

type ChatMessage struct {
	Message     string
	MessageType string
	ReplyTo     string
}

func (ChatMessage) Type() string { return TypeChatMessage }
func (ChatMessage) inbound()     {}

type CursorPosition struct {
	X, Y float64
	Data json.RawMessage
}

func (CursorPosition) Type() string { return TypeCursorPosition }
func (CursorPosition) inbound()     {}

type DiagramUpdate struct {
	Title       *string
	DiagramData json.RawMessage
	Data        json.RawMessage
}

func (DiagramUpdate) Type() string { return TypeDiagramUpdate }
func (DiagramUpdate) inbound()     {}

type inboundWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func malformed(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, a...))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodeInbound parses one client frame. Every failure wraps ErrMalformedFrame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env inboundWire
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if !isObject(env.Data) {
		return nil, malformed("%q frame without data object", env.Type)
	}

	switch env.Type {
	case TypeDrawingAction:
		var p struct {
			ActionType *string `json:"action_type"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, malformed("drawing_action: %v", err)
		}
		if p.ActionType == nil || *p.ActionType == "" {
			return nil, malformed("drawing_action: missing action_type")
		}
		return DrawingAction{ActionType: *p.ActionType, Data: env.Data}, nil

	case TypeChatMessage:
		var p struct {
			Message     *string `json:"message"`
			MessageType string  `json:"message_type"`
			ReplyTo     *string `json:"reply_to"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, malformed("chat_message: %v", err)
		}
		if p.Message == nil || strings.TrimSpace(*p.Message) == "" {
			return nil, malformed("chat_message: missing message")
		}
		if utf8.RuneCountInString(*p.Message) > MaxChatMessageLength {
			return nil, malformed("chat_message: message longer than %d characters", MaxChatMessageLength)
		}
		msg := ChatMessage{Message: *p.Message, MessageType: p.MessageType}
		if msg.MessageType == "" {
			msg.MessageType = "text"
		}
		if p.ReplyTo != nil {
			msg.ReplyTo = *p.ReplyTo
		}
		return msg, nil

	case TypeCursorPosition:
		var p struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, malformed("cursor_position: %v", err)
		}
		if p.X == nil || p.Y == nil {
			return nil, malformed("cursor_position: missing coordinates")
		}
		return CursorPosition{X: *p.X, Y: *p.Y, Data: env.Data}, nil

	case TypeDiagramUpdate:
		var p struct {
			Title       *string         `json:"title"`
			DiagramData json.RawMessage `json:"diagram_data"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, malformed("diagram_update: %v", err)
		}
		update := DiagramUpdate{Title: p.Title, Data: env.Data}
		if !isAbsent(p.DiagramData) {
			if !isObject(p.DiagramData) {
				return nil, malformed("diagram_update: diagram_data must be an object")
			}
			update.DiagramData = p.DiagramData
		}
		if update.Title == nil && update.DiagramData == nil {
			return nil, malformed("diagram_update: nothing to update")
		}
		return update, nil
	}

	return nil, malformed("unknown type %q", env.Type)
}

// Outbound is one of the frames the server writes to a connection.
type Outbound interface {
	Type() string
	outbound()
}

type ActiveUsers struct{ Users []UserRef }

type UserJoined struct{ User UserRef }

type UserLeft struct{ User UserRef }

type DrawingRelay struct {
	Data json.RawMessage
	User UserRef
}

type CursorRelay struct {
	Data json.RawMessage
	User UserRef
}

type DiagramRelay struct {
	Data json.RawMessage
	User UserRef
}

type ChatRelay struct{ Record ChatRecord }

// ErrorFrame tells the sender its frame was not persisted.
type ErrorFrame struct {
	Message string
	Frame   string
}

func (ActiveUsers) Type() string  { return TypeActiveUsers }
func (UserJoined) Type() string   { return TypeUserJoined }
func (UserLeft) Type() string     { return TypeUserLeft }
func (DrawingRelay) Type() string { return TypeDrawingAction }
func (CursorRelay) Type() string  { return TypeCursorPosition }
func (DiagramRelay) Type() string { return TypeDiagramUpdate }
func (ChatRelay) Type() string    { return TypeChatMessage }
func (ErrorFrame) Type() string   { return TypeError }

func (ActiveUsers) outbound()  {}
func (UserJoined) outbound()   {}
func (UserLeft) outbound()     {}
func (DrawingRelay) outbound() {}
func (CursorRelay) outbound()  {}
func (DiagramRelay) outbound() {}
func (ChatRelay) outbound()    {}
func (ErrorFrame) outbound()   {}

type outboundWire struct {
	Type      string     `json:"type"`
	Data      any        `json:"data,omitempty"`
	User      *UserRef   `json:"user,omitempty"`
	Users     *[]UserRef `json:"users,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type ChatAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ChatView is the client-facing shape of a chat record.
type ChatView struct {
	ID          string              `json:"id"`
	Message     string              `json:"message"`
	MessageType string              `json:"message_type"`
	ReplyTo     *string             `json:"reply_to"`
	User        ChatAuthor          `json:"user"`
	CreatedAt   string              `json:"created_at"`
	IsEdited    bool                `json:"is_edited"`
	Reactions   map[string][]string `json:"reactions"`
}

func NewChatView(rec ChatRecord) ChatView {
	view := ChatView{
		ID:          rec.ID,
		Message:     rec.Message,
		MessageType: rec.MessageType,
		User:        ChatAuthor{ID: rec.UserID, Username: rec.Username, Avatar: rec.UserAvatar},
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsEdited:    rec.IsEdited,
		Reactions:   rec.Reactions,
	}
	if rec.ReplyTo != "" {
		replyTo := rec.ReplyTo
		view.ReplyTo = &replyTo
	}
	if view.Reactions == nil {
		view.Reactions = map[string][]string{}
	}
	return view
}

// EncodeOutbound renders frame with the given timestamp.
func EncodeOutbound(frame Outbound, at time.Time) ([]byte, error) {
	wire := outboundWire{
		Type:      frame.Type(),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}

	switch f := frame.(type) {
	case ActiveUsers:
		users := f.Users
		if users == nil {
			users = []UserRef{}
		}
		wire.Users = &users
	case UserJoined:
		wire.User = &f.User
	case UserLeft:
		wire.User = &f.User
	case DrawingRelay:
		wire.Data, wire.User = f.Data, &f.User
	case CursorRelay:
		wire.Data, wire.User = f.Data, &f.User
	case DiagramRelay:
		wire.Data, wire.User = f.Data, &f.User
	case ChatRelay:
		wire.Data = NewChatView(f.Record)
	case ErrorFrame:
		wire.Data = map[string]string{"message": f.Message, "type": f.Frame}
	default:
		return nil, fmt.Errorf("encode outbound: unsupported frame %T", frame)
	}

	return json.Marshal(wire)
}
