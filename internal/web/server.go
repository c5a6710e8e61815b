package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configure the station server.
type Options struct {
	Addr              string
	RequestsPerMinute int // per client IP on /api; 0 disables the limit
}

// Server wraps the HTTP server and handlers.
type Server struct {
	opts     Options
	handlers *Handlers
	preview  *PreviewHub
}

// NewServer creates a server for the given handlers and preview hub.
func NewServer(opts Options, handlers *Handlers, preview *PreviewHub) *Server {
	return &Server{opts: opts, handlers: handlers, preview: preview}
}

// StaticFS returns the embedded UI files.
func StaticFS() (fs.FS, error) {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: sub static fs: %w", err)
	}
	return sub, nil
}

// rateLimit returns 429 with a JSON body once a client IP exceeds limit
// requests per minute.
func rateLimit(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(60))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", h.ServeIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	r.Get("/status/stream", h.HandleStatusStream)
	if s.preview != nil {
		r.Handle("/preview", s.preview)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.opts.RequestsPerMinute > 0 {
			r.Use(rateLimit(s.opts.RequestsPerMinute))
		}
		r.Get("/state", h.HandleState)
		r.Post("/capture", h.HandleCapture)
		r.Post("/flash/toggle", h.HandleFlashToggle)
		r.Post("/position/switch", h.HandlePositionSwitch)
		r.Post("/focus/switch", h.HandleFocusSwitch)
		r.Post("/mirror/toggle", h.HandleMirrorToggle)
		r.Get("/photo/latest", h.HandleLatestPhoto)
		r.Post("/photo/save", h.HandleSavePhoto)
		r.Get("/photos", h.HandleListPhotos)
		r.Get("/photos/{name}", h.HandleGetPhoto)
	})
	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
