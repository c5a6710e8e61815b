package web

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/cjeanneret/monocam/internal/hw/camera"
	"github.com/cjeanneret/monocam/internal/logic/capture"
	"github.com/cjeanneret/monocam/internal/logic/session"
	"github.com/cjeanneret/monocam/internal/store"
	"github.com/go-chi/chi/v5"
)

// Camera is the part of the session controller the UI drives.
type Camera interface {
	SwitchDevicePosition() error
	SwitchFocusMode() error
	ToggleMirroring()
	ToggleFlashMode() camera.FlashMode
	Configuration() session.Configuration
	Running() bool
}

// Capturer is the part of the capture coordinator the UI drives.
type Capturer interface {
	RequestCapture(flash camera.FlashMode)
	Counting() bool
	CountdownSeconds() int
	Save(img []byte) (string, error)
}

// PhotoStore reads stored photos.
type PhotoStore interface {
	Load(name string) ([]byte, error)
	List() ([]store.Photo, error)
}

// State is the station state shown by the UI.
type State struct {
	Position         string `json:"position"`
	Focus            string `json:"focus"`
	Mirrored         bool   `json:"mirrored"`
	Flash            string `json:"flash"`
	Running          bool   `json:"running"`
	Counting         bool   `json:"counting"`
	CountdownSeconds int    `json:"countdown_seconds"`
	HasPhoto         bool   `json:"has_photo"`
}

// CaptureRequest is the body of POST /api/capture. Flash defaults to the
// station's current flash mode.
type CaptureRequest struct {
	Flash string `json:"flash,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Presenter   *Presenter
	Camera      Camera
	Capture     Capturer
	Photos      PhotoStore // nil disables the photo listing
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(b *StatusBroadcaster, p *Presenter, cam Camera, c Capturer, photos PhotoStore, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: b,
		Presenter:   p,
		Camera:      cam,
		Capture:     c,
		Photos:      photos,
		staticFS:    staticFS,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJPEG(w http.ResponseWriter, img []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(img)
}

// State returns the current station state.
func (h *Handlers) State() State {
	cfg := h.Camera.Configuration()
	_, _, _, hasPhoto := h.Presenter.Latest()
	return State{
		Position:         cfg.Position.String(),
		Focus:            cfg.Focus.String(),
		Mirrored:         cfg.Mirrored,
		Flash:            cfg.Flash.String(),
		Running:          h.Camera.Running(),
		Counting:         h.Capture.Counting(),
		CountdownSeconds: h.Capture.CountdownSeconds(),
		HasPhoto:         hasPhoto,
	}
}

// publishState announces the state and writes it as the response.
func (h *Handlers) publishState(w http.ResponseWriter) {
	st := h.State()
	h.Broadcaster.Publish(StatusEvent{Kind: KindState, State: &st})
	writeJSON(w, http.StatusOK, st)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// HandleState handles GET /api/state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.State())
}

// HandleCapture handles POST /api/capture: it starts the countdown and
// returns immediately; the outcome arrives on the status stream.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	flash := h.Camera.Configuration().Flash
	if req.Flash != "" {
		m, err := camera.ParseFlashMode(req.Flash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		flash = m
	}

	h.Capture.RequestCapture(flash)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "counting",
		"seconds": h.Capture.CountdownSeconds(),
		"flash":   flash.String(),
	})
}

// HandleFlashToggle handles POST /api/flash/toggle.
func (h *Handlers) HandleFlashToggle(w http.ResponseWriter, r *http.Request) {
	h.Camera.ToggleFlashMode()
	h.publishState(w)
}

// HandlePositionSwitch handles POST /api/position/switch.
func (h *Handlers) HandlePositionSwitch(w http.ResponseWriter, r *http.Request) {
	if err := h.Camera.SwitchDevicePosition(); err != nil {
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.publishState(w)
}

// HandleFocusSwitch handles POST /api/focus/switch.
func (h *Handlers) HandleFocusSwitch(w http.ResponseWriter, r *http.Request) {
	if err := h.Camera.SwitchFocusMode(); err != nil {
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.publishState(w)
}

// HandleMirrorToggle handles POST /api/mirror/toggle.
func (h *Handlers) HandleMirrorToggle(w http.ResponseWriter, r *http.Request) {
	h.Camera.ToggleMirroring()
	h.publishState(w)
}

// HandleLatestPhoto handles GET /api/photo/latest.
func (h *Handlers) HandleLatestPhoto(w http.ResponseWriter, r *http.Request) {
	img, id, at, ok := h.Presenter.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no photo yet")
		return
	}
	w.Header().Set("X-Request-Id", strconv.FormatUint(id, 10))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	writeJPEG(w, img)
}

// HandleSavePhoto handles POST /api/photo/save: the latest photo is
// written to the photo directory.
func (h *Handlers) HandleSavePhoto(w http.ResponseWriter, r *http.Request) {
	img, _, _, ok := h.Presenter.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no photo to save")
		return
	}
	name, err := h.Capture.Save(img)
	switch {
	case errors.Is(err, capture.ErrNoStore):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		debug.Error(err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Broadcaster.BroadcastMsg("Saved photo " + name)
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

type photoInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
	URL     string `json:"url"`
}

// HandleListPhotos handles GET /api/photos.
func (h *Handlers) HandleListPhotos(w http.ResponseWriter, r *http.Request) {
	if h.Photos == nil {
		writeError(w, http.StatusServiceUnavailable, "no photo store configured")
		return
	}
	photos, err := h.Photos.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]photoInfo, 0, len(photos))
	for _, p := range photos {
		out = append(out, photoInfo{
			Name:    p.Name,
			Size:    p.Size,
			ModTime: p.ModTime.Format(time.RFC3339),
			URL:     "/api/photos/" + p.Name,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetPhoto handles GET /api/photos/{name}.
func (h *Handlers) HandleGetPhoto(w http.ResponseWriter, r *http.Request) {
	if h.Photos == nil {
		writeError(w, http.StatusServiceUnavailable, "no photo store configured")
		return
	}
	img, err := h.Photos.Load(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "photo not found")
		return
	}
	writeJPEG(w, img)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
