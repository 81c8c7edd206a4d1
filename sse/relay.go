// Package sse is the passive notification channel: per-document listener
// sets fed by REST mutations, streamed to clients as server-sent events.
package sse

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"diagram-collab-server/metrics"
)

const (
	TypeConnected    = "connected"
	TypeHeartbeat    = "heartbeat"
	TypeCanvasUpdate = "canvas_update"
	TypeChatMessage  = "chat_message"
)

const listenerBuffer = 64

// Event is one server-sent event. It is written as a single data line.
type Event struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func Connected() Event {
	return Event{Type: TypeConnected, Message: "SSE connection established"}
}

func Heartbeat(at time.Time) Event {
	return Event{Type: TypeHeartbeat, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

func CanvasUpdate(data any) Event {
	return Event{Type: TypeCanvasUpdate, Data: data}
}

func ChatMessage(data any) Event {
	return Event{Type: TypeChatMessage, Data: data}
}

// Listener is one open stream. Events pushed to it are buffered until the
// stream writes them.
type Listener struct {
	documentID string
	events     chan []byte
	done       chan struct{}
	once       sync.Once
}

func (l *Listener) Events() <-chan []byte { return l.events }

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) stop() {
	l.once.Do(func() { close(l.done) })
}

// Relay holds the listener sets, keyed by document id.
type Relay struct {
	listeners map[string]map[*Listener]struct{}
	mu        sync.RWMutex
	metrics   *metrics.Metrics
}

func NewRelay(m *metrics.Metrics) *Relay {
	return &Relay{
		listeners: make(map[string]map[*Listener]struct{}),
		metrics:   m,
	}
}

func (r *Relay) Subscribe(documentID string) *Listener {
	l := &Listener{
		documentID: documentID,
		events:     make(chan []byte, listenerBuffer),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	set, ok := r.listeners[documentID]
	if !ok {
		set = make(map[*Listener]struct{})
		r.listeners[documentID] = set
	}
	set[l] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	slog.Info("sse listener added", "document", documentID, "listeners", count)
	return l
}

// Unsubscribe removes l. Calling it more than once is harmless.
func (r *Relay) Unsubscribe(l *Listener) {
	l.stop()

	r.mu.Lock()
	set, ok := r.listeners[l.documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := set[l]; !present {
		r.mu.Unlock()
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(r.listeners, l.documentID)
	}
	r.mu.Unlock()

	slog.Info("sse listener removed", "document", l.documentID)
}

// Push queues event to every listener of documentID. A listener whose
// buffer is full is unsubscribed; its stream ends on its next wakeup.
func (r *Relay) Push(documentID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("sse encode error", "document", documentID, "type", event.Type, "error", err)
		return
	}

	var dead []*Listener
	r.mu.RLock()
	for l := range r.listeners[documentID] {
		select {
		case l.events <- data:
		default:
			dead = append(dead, l)
		}
	}
	r.mu.RUnlock()

	for _, l := range dead {
		r.metrics.DeliveryFailed(metrics.ChannelSSE)
		slog.Warn("sse listener too slow, dropping", "document", documentID)
		r.Unsubscribe(l)
	}
}

// Close ends every open stream.
func (r *Relay) Close() {
	r.mu.Lock()
	all := r.listeners
	r.listeners = make(map[string]map[*Listener]struct{})
	r.mu.Unlock()

	for _, set := range all {
		for l := range set {
			l.stop()
		}
	}
}

// Stats returns the number of documents with listeners and the listener total.
func (r *Relay) Stats() (documents, listeners int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	documents = len(r.listeners)
	for _, set := range r.listeners {
		listeners += len(set)
	}
	return documents, listeners
}

func (r *Relay) Listeners() int {
	_, n := r.Stats()
	return n
}
