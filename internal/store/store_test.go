package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "photos"))
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	want := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 0xff, 0xd9}

	name, err := s.Save(want)
	require.NoError(t, err)
	_, err = uuid.Parse(name)
	assert.NoError(t, err, "name is a uuid")

	got, err := s.Load(name)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = s.Load(name + Ext)
	require.NoError(t, err)
	assert.Equal(t, want, got, "extension is optional")

	_, err = os.Stat(filepath.Join(s.Dir(), name+Ext))
	assert.NoError(t, err)
}

func TestSaveGeneratesUniqueNames(t *testing.T) {
	s := newStore(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		name, err := s.Save([]byte{byte(i)})
		require.NoError(t, err)
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Load(uuid.NewString())
	assert.ErrorIs(t, err, ErrPersistenceFailed)
}

func TestLoadRejectsTraversal(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"../secret", "a/b", "", ".hidden", ".."} {
		_, err := s.Load(name)
		assert.ErrorIs(t, err, ErrPersistenceFailed, name)
	}
}

func TestSaveIntoUnwritableDir(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))
	require.NoError(t, os.WriteFile(s.Dir(), []byte("file, not dir"), 0o644))

	_, err := s.Save([]byte("x"))
	assert.ErrorIs(t, err, ErrPersistenceFailed)
}

func TestListNewestFirst(t *testing.T) {
	s := newStore(t)
	older, err := s.Save([]byte("old"))
	require.NoError(t, err)
	newer, err := s.Save([]byte("new"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), older+Ext), past, past))

	photos, err := s.List()
	require.NoError(t, err)
	require.Len(t, photos, 2)
	assert.Equal(t, newer, photos[0].Name)
	assert.Equal(t, older, photos[1].Name)
	assert.Equal(t, int64(3), photos[1].Size)
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	stale, err := s.Save([]byte("stale"))
	require.NoError(t, err)
	fresh, err := s.Save([]byte("fresh"))
	require.NoError(t, err)

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), stale+Ext), past, past))

	removed, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Load(stale)
	assert.Error(t, err)
	_, err = s.Load(fresh)
	assert.NoError(t, err)
}

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrPersistenceFailed)
}
