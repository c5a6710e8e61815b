package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/gorilla/websocket"
)

const previewWriteTimeout = 2 * time.Second

// PreviewHub fans preview frames out to websocket clients. It is the
// session's preview sink. Clients that fall behind skip frames.
type PreviewHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func NewPreviewHub() *PreviewHub {
	return &PreviewHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
		},
		clients: make(map[chan []byte]struct{}),
	}
}

// PreviewFrame hands frame to every client that has room for it.
func (h *PreviewHub) PreviewFrame(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Clients returns the number of connected viewers.
func (h *PreviewHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *PreviewHub) subscribe() chan []byte {
	ch := make(chan []byte, 2)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *PreviewHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades to a websocket and streams frames as binary messages
// until the client goes away.
func (h *PreviewHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("Preview: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	frames := h.subscribe()
	defer h.unsubscribe(frames)
	debug.Verbose("Preview: client %s connected", r.RemoteAddr)

	// Reading is only needed to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			debug.Verbose("Preview: client %s disconnected", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case frame := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(previewWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				debug.Verbose("Preview: write to %s failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}
