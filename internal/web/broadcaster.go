package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event kinds carried on the status stream.
const (
	KindLog       = "log"
	KindCountdown = "countdown"
	KindPhoto     = "photo"
	KindError     = "error"
	KindState     = "state"
)

// StatusEvent is one message on the SSE status stream.
type StatusEvent struct {
	Time      string `json:"t"`
	Kind      string `json:"kind"`
	Level     string `json:"l,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	RequestID uint64 `json:"request_id,omitempty"`
	State     *State `json:"state,omitempty"`
}

// StatusBroadcaster distributes status events to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish stamps evt and sends it, JSON encoded, to every client.
// Slow clients may miss events (non-blocking, buffered).
func (b *StatusBroadcaster) Publish(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log line at the given level.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(StatusEvent{Kind: KindLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
