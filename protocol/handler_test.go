package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/domain"
	"diagram-collab-server/store/memstore"
)

type mockConn struct {
	id      string
	sent    [][]byte
	sendErr error
	mu      sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type broadcastCall struct {
	documentID string
	frame      domain.Outbound
	excludeID  string
}

type mockBroadcaster struct {
	broadcasts []broadcastCall
	mu         sync.Mutex
}

func (m *mockBroadcaster) Broadcast(documentID string, frame domain.Outbound, exclude domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := broadcastCall{documentID: documentID, frame: frame}
	if exclude != nil {
		call.excludeID = exclude.ID()
	}
	m.broadcasts = append(m.broadcasts, call)
}

func (m *mockBroadcaster) getBroadcasts() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

// failingStore fails every write with err.
type failingStore struct {
	*memstore.Store
	err error
}

func (f *failingStore) InsertChat(context.Context, *domain.ChatRecord) error { return f.err }

func (f *failingStore) InsertAction(context.Context, *domain.CanvasAction) error { return f.err }

func (f *failingStore) PatchDocument(context.Context, string, domain.DocumentPatch) (*domain.Document, error) {
	return nil, f.err
}

// recordingStore remembers every canvas action it persists.
type recordingStore struct {
	*memstore.Store
	actions []domain.CanvasAction
	mu      sync.Mutex
}

func (r *recordingStore) InsertAction(ctx context.Context, action *domain.CanvasAction) error {
	if err := r.Store.InsertAction(ctx, action); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, *action)
	return nil
}

func (r *recordingStore) getActions() []domain.CanvasAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actions
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Handler, *mockBroadcaster, *recordingStore, Peer) {
	t.Helper()
	b := &mockBroadcaster{}
	s := &recordingStore{Store: memstore.New()}
	doc := &domain.Document{Title: "Flow", OwnerID: "u1", IsPublic: true, DiagramData: json.RawMessage(`{}`)}
	require.NoError(t, s.InsertDocument(context.Background(), doc))

	h := NewHandler(b, s, nil)
	h.now = func() time.Time { return fixedNow }
	peer := Peer{
		Conn:       &mockConn{id: "c1"},
		DocumentID: doc.ID,
		User:       domain.User{ID: "u1", Username: "alice"},
	}
	return h, b, s, peer
}

func TestHandler_Chat(t *testing.T) {
	h, b, s, peer := setup(t)

	h.Handle(context.Background(), peer, []byte(`{"type":"chat_message","data":{"message":"hi"}}`))

	calls := b.getBroadcasts()
	require.Len(t, calls, 1)
	assert.Equal(t, peer.DocumentID, calls[0].documentID)
	assert.Empty(t, calls[0].excludeID, "chat is echoed to the sender")

	relay, ok := calls[0].frame.(domain.ChatRelay)
	require.True(t, ok)
	assert.Equal(t, "hi", relay.Record.Message)
	assert.Equal(t, "text", relay.Record.MessageType)
	require.NotEmpty(t, relay.Record.ID)

	stored, err := s.FindChat(context.Background(), relay.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Message)
	assert.Equal(t, "u1", stored.UserID)
	assert.True(t, stored.CreatedAt.Equal(fixedNow))
}

func TestHandler_Cursor(t *testing.T) {
	h, b, s, peer := setup(t)

	h.Handle(context.Background(), peer, []byte(`{"type":"cursor_position","data":{"x":10,"y":20}}`))

	calls := b.getBroadcasts()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].excludeID)
	relay, ok := calls[0].frame.(domain.CursorRelay)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":10,"y":20}`, string(relay.Data))
	assert.Equal(t, domain.UserRef{ID: "u1", Username: "alice"}, relay.User)
	assert.Empty(t, s.getActions())
}

func TestHandler_Drawing(t *testing.T) {
	tests := []struct {
		name        string
		actionType  string
		wantPersist bool
	}{
		{name: "draw is persisted", actionType: "draw", wantPersist: true},
		{name: "shape is persisted", actionType: "add_shape", wantPersist: true},
		{name: "text is persisted", actionType: "add_text", wantPersist: true},
		{name: "preview is relayed only", actionType: "preview", wantPersist: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b, s, peer := setup(t)
			frame := `{"type":"drawing_action","data":{"action_type":"` + tt.actionType + `","points":[1,2]}}`

			h.Handle(context.Background(), peer, []byte(frame))

			calls := b.getBroadcasts()
			require.Len(t, calls, 1)
			assert.Equal(t, "c1", calls[0].excludeID)
			_, ok := calls[0].frame.(domain.DrawingRelay)
			assert.True(t, ok)

			actions := s.getActions()
			if tt.wantPersist {
				require.Len(t, actions, 1)
				assert.Equal(t, tt.actionType, actions[0].ActionType)
			} else {
				assert.Empty(t, actions)
			}
		})
	}
}

func TestHandler_DiagramUpdate(t *testing.T) {
	h, b, s, peer := setup(t)

	h.Handle(context.Background(), peer, []byte(`{"type":"diagram_update","data":{"title":"Renamed","description":"ignored"}}`))

	calls := b.getBroadcasts()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].excludeID)

	doc, err := s.FindDocument(context.Background(), peer.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.Title)
	assert.Empty(t, doc.Description)
	assert.True(t, doc.UpdatedAt.Equal(fixedNow))
}

func TestHandler_MalformedDropped(t *testing.T) {
	frames := []string{
		`not json`,
		`{"type":"unknown","data":{}}`,
		`{"type":"chat_message","data":{}}`,
		`{"type":"cursor_position","data":{"x":1}}`,
		`{"type":"drawing_action","data":"draw"}`,
	}

	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			h, b, _, peer := setup(t)
			h.Handle(context.Background(), peer, []byte(frame))
			assert.Empty(t, b.getBroadcasts())
			assert.Empty(t, peer.Conn.(*mockConn).getSent())
		})
	}
}

func TestHandler_PersistenceFailure(t *testing.T) {
	tests := []struct {
		name          string
		frame         string
		wantType      string
		wantBroadcast bool
	}{
		{
			name:          "chat is not relayed",
			frame:         `{"type":"chat_message","data":{"message":"hi"}}`,
			wantType:      domain.TypeChatMessage,
			wantBroadcast: false,
		},
		{
			name:          "diagram update is not relayed",
			frame:         `{"type":"diagram_update","data":{"title":"x"}}`,
			wantType:      domain.TypeDiagramUpdate,
			wantBroadcast: false,
		},
		{
			name:          "drawing is still relayed",
			frame:         `{"type":"drawing_action","data":{"action_type":"draw"}}`,
			wantType:      domain.TypeDrawingAction,
			wantBroadcast: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBroadcaster{}
			s := memstore.New()
			require.NoError(t, s.InsertDocument(context.Background(), &domain.Document{ID: "d1", Title: "Flow", OwnerID: "u1"}))
			h := NewHandler(b, &failingStore{Store: s, err: errors.New("disk full")}, nil)
			conn := &mockConn{id: "c1"}
			peer := Peer{Conn: conn, DocumentID: "d1", User: domain.User{ID: "u1", Username: "alice"}}

			h.Handle(context.Background(), peer, []byte(tt.frame))

			if tt.wantBroadcast {
				assert.Len(t, b.getBroadcasts(), 1)
			} else {
				assert.Empty(t, b.getBroadcasts())
			}

			sent := conn.getSent()
			require.Len(t, sent, 1)
			var resp struct {
				Type string `json:"type"`
				Data struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(sent[0], &resp))
			assert.Equal(t, domain.TypeError, resp.Type)
			assert.Equal(t, tt.wantType, resp.Data.Type)
			assert.NotEmpty(t, resp.Data.Message)
		})
	}
}

func TestHandler_DiagramUpdateMissingDocument(t *testing.T) {
	h, b, _, peer := setup(t)
	peer.DocumentID = "gone"

	h.Handle(context.Background(), peer, []byte(`{"type":"diagram_update","data":{"title":"x"}}`))

	assert.Empty(t, b.getBroadcasts())
	require.Len(t, peer.Conn.(*mockConn).getSent(), 1)
}

func TestHandler_DiagramUpdateNeedsEditAccess(t *testing.T) {
	tests := []struct {
		name      string
		user      domain.User
		wantApply bool
	}{
		{name: "owner", user: domain.User{ID: "u1", Username: "alice"}, wantApply: true},
		{name: "collaborator by email", user: domain.User{ID: "u2", Username: "bob", Email: "bob@example.com"}, wantApply: true},
		{name: "public viewer", user: domain.User{ID: "u3", Username: "carol"}, wantApply: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, b, s, peer := setup(t)
			_, err := s.PatchDocument(context.Background(), peer.DocumentID, domain.DocumentPatch{
				Collaborators: &[]string{"bob@example.com"},
			})
			require.NoError(t, err)
			peer.User = tt.user

			h.Handle(context.Background(), peer, []byte(`{"type":"diagram_update","data":{"title":"Renamed"}}`))

			doc, err := s.FindDocument(context.Background(), peer.DocumentID)
			require.NoError(t, err)
			if tt.wantApply {
				assert.Equal(t, "Renamed", doc.Title)
				assert.Len(t, b.getBroadcasts(), 1)
				assert.Empty(t, peer.Conn.(*mockConn).getSent())
				return
			}
			assert.Equal(t, "Flow", doc.Title)
			assert.Empty(t, b.getBroadcasts())
			sent := peer.Conn.(*mockConn).getSent()
			require.Len(t, sent, 1)
			assert.Contains(t, string(sent[0]), `"type":"error"`)
			assert.Contains(t, string(sent[0]), "not allowed to edit")
		})
	}
}

func TestHandler_ErrorFrameSendFailure(t *testing.T) {
	h, b, _, peer := setup(t)
	conn := &mockConn{id: "c1", sendErr: domain.ErrConnectionClosed}
	peer.Conn = conn
	peer.DocumentID = "gone"

	assert.NotPanics(t, func() {
		h.Handle(context.Background(), peer, []byte(`{"type":"diagram_update","data":{"title":"x"}}`))
	})
	assert.Empty(t, b.getBroadcasts())
	assert.Empty(t, conn.getSent())
}
