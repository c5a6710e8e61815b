// Package store keeps processed photos as <uuid>.jpg files in one directory.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cjeanneret/monocam/internal/debug"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Ext is the extension of every stored photo.
const Ext = ".jpg"

var ErrPersistenceFailed = errors.New("photo persistence failed")

// Photo describes a stored file.
type Photo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store writes photos into Dir.
type Store struct {
	dir string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty photo directory", ErrPersistenceFailed)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrPersistenceFailed, dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the photo directory.
func (s *Store) Dir() string { return s.dir }

// Save writes img under a fresh unique name and returns that name
// (without extension). The write is atomic: readers never see a partial file.
func (s *Store) Save(img []byte) (string, error) {
	name := uuid.NewString()
	path := filepath.Join(s.dir, name+Ext)
	if err := renameio.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrPersistenceFailed, path, err)
	}
	l := debug.Component("store")
	l.Info().Str("name", name).Int("bytes", len(img)).Msg("photo saved")
	return name, nil
}

// Load reads a photo by name, with or without the .jpg extension.
func (s *Store) Load(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPersistenceFailed, name, err)
	}
	return data, nil
}

// path resolves name inside the directory, refusing anything that is
// not a bare file name.
func (s *Store) path(name string) (string, error) {
	base := strings.TrimSuffix(name, Ext)
	if base == "" || base != filepath.Base(base) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: invalid photo name %q", ErrPersistenceFailed, name)
	}
	return filepath.Join(s.dir, base+Ext), nil
}

// List returns stored photos, newest first.
func (s *Store) List() ([]Photo, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrPersistenceFailed, err)
	}
	photos := make([]Photo, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		photos = append(photos, Photo{
			Name:    strings.TrimSuffix(info.Name(), Ext),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(photos, func(a, b Photo) int { return b.ModTime.Compare(a.ModTime) })
	return photos, nil
}

// Prune removes photos last modified before now-olderThan and returns
// how many were removed. Files that cannot be removed are logged and skipped.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	photos, err := s.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, p := range photos {
		if !p.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, p.Name+Ext)); err != nil {
			l := debug.Component("store")
			l.Error().Err(err).Str("name", p.Name).Msg("failed to remove photo")
			continue
		}
		removed++
		debug.Verbose("Store: removed %s", p.Name)
	}
	return removed, nil
}
