package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 300 * time.Millisecond

// Holder keeps the current configuration and reloads it when the file
// changes. A file that fails to load or validate leaves the previous
// configuration in place.
type Holder struct {
	path string

	mu      sync.RWMutex
	current *Config

	listenersMu sync.Mutex
	listeners   []func(*Config)
}

// NewHolder wraps an already loaded config read from path.
func NewHolder(initial *Config, path string) *Holder {
	return &Holder{
		path:    path,
		current: initial,
	}
}

// log resolves the component logger on every call so it follows debug
// level changes made by reload listeners.
func (h *Holder) log() *zerolog.Logger {
	l := debug.Component("config")
	return &l
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after every successful reload.
func (h *Holder) OnReload(fn func(*Config)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the file and swaps the config in if it is valid.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.log().Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = cfg
	h.mu.Unlock()

	h.log().Info().
		Str("event", "config.reload_success").
		Int("countdown_seconds", cfg.Capture.CountdownSeconds).
		Bool("filter_changed", !sameFilter(old, cfg)).
		Msg("configuration reloaded")

	h.listenersMu.Lock()
	listeners := append(([]func(*Config))(nil), h.listeners...)
	h.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func sameFilter(a, b *Config) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.FilterColor() == b.FilterColor() &&
		a.FilterIntensity() == b.FilterIntensity() &&
		a.Filter.Quality == b.Filter.Quality
}

// Watch reloads the config whenever its file is written or replaced,
// until ctx is done. The parent directory is watched so editors that
// save by rename are picked up too.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.log().Info().Str("path", h.path).Msg("watching config file")

	target := filepath.Clean(h.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			h.log().Debug().Str("op", ev.Op.String()).Msg("config file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { _ = h.Reload() })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.log().Error().Err(err).Msg("config watcher error")
		}
	}
}
