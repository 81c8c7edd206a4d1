package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagram-collab-server/access"
	"diagram-collab-server/auth"
	"diagram-collab-server/domain"
	"diagram-collab-server/sse"
	"diagram-collab-server/store/memstore"
)

type streamEnv struct {
	server *httptest.Server
	relay  *sse.Relay
	store  *memstore.Store
	issuer *auth.Issuer
}

// newStreamEnv serves the REST routes and the SSE stream from one server,
// with REST mutations pushed into a real relay.
func newStreamEnv(t *testing.T) *streamEnv {
	t.Helper()
	s := memstore.New()
	guard := access.NewGuard(s)
	verifier := auth.NewVerifier(secret)
	relay := sse.NewRelay(nil)

	mux := http.NewServeMux()
	New(s, guard, relay, verifier).Register(mux)
	mux.Handle("GET /sse/diagram/{id}", auth.Middleware(verifier, sse.NewHandler(relay, guard, time.Hour)))
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	return &streamEnv{server: server, relay: relay, store: s, issuer: auth.NewIssuer(secret)}
}

func (e *streamEnv) request(t *testing.T, method, path string, user domain.User, body string) *http.Request {
	t.Helper()
	token, err := e.issuer.Issue(user, time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// subscribe opens a stream and returns its decoded events.
func (e *streamEnv) subscribe(t *testing.T, documentID string, user domain.User) <-chan sse.Event {
	t.Helper()
	resp, err := http.DefaultClient.Do(e.request(t, http.MethodGet, "/sse/diagram/"+documentID, user, ""))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan sse.Event, 16)
	go func() {
		defer close(events)
		r := bufio.NewReader(resp.Body)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sse.Event
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) != nil {
				return
			}
			events <- ev
		}
	}()
	return events
}

func nextStreamEvent(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return sse.Event{}
	}
}

func TestAPI_UpdateReachesOnlyThatDiagramsStreams(t *testing.T) {
	env := newStreamEnv(t)
	target := &domain.Document{Title: "Flow", OwnerID: alice.ID, DiagramData: json.RawMessage(`{}`)}
	require.NoError(t, env.store.InsertDocument(context.Background(), target))
	other := &domain.Document{Title: "Other", OwnerID: alice.ID, DiagramData: json.RawMessage(`{}`)}
	require.NoError(t, env.store.InsertDocument(context.Background(), other))

	targetEvents := env.subscribe(t, target.ID, alice)
	otherEvents := env.subscribe(t, other.ID, alice)
	require.Equal(t, sse.TypeConnected, nextStreamEvent(t, targetEvents).Type)
	require.Equal(t, sse.TypeConnected, nextStreamEvent(t, otherEvents).Type)
	require.Eventually(t, func() bool { return env.relay.Listeners() == 2 }, time.Second, 10*time.Millisecond)

	resp, err := http.DefaultClient.Do(env.request(t, http.MethodPut, "/diagrams/"+target.ID, alice, `{"title":"Renamed"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := nextStreamEvent(t, targetEvents)
	assert.Equal(t, sse.TypeCanvasUpdate, ev.Type)
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok, "got %T", ev.Data)
	assert.Equal(t, domain.TypeDiagramUpdate, data["type"])
	assert.Equal(t, target.ID, data["diagram_id"])
	updates, ok := data["updates"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Renamed", updates["title"])

	select {
	case ev := <-otherEvents:
		t.Fatalf("other diagram's stream got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
