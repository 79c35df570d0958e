package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethr-io/tethr/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 1<<20, 100)
	require.NoError(t, err)
	return s
}

func TestMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	meta := models.Metadata{
		ID:         "p1",
		Path:       "/home/user/proj",
		SessionID:  "s1",
		CreatedAt:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		LastActive: time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC),
	}

	require.NoError(t, s.CreateProjectDir("p1"))
	require.NoError(t, s.WriteMetadata(meta))

	got, err := s.ReadMetadata("p1")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
	assert.Equal(t, meta.Path, got.Path)
	assert.Equal(t, meta.SessionID, got.SessionID)
	assert.True(t, got.CreatedAt.Equal(meta.CreatedAt))
	assert.True(t, got.LastActive.Equal(meta.LastActive))
}

func TestWriteMetadataLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.CreateProjectDir("p1"))
	meta := models.Metadata{ID: "p1", Path: "/home/user/proj", CreatedAt: time.Now().UTC()}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteMetadata(meta))
	}

	ents, err := os.ReadDir(s.ProjectDir("p1"))
	require.NoError(t, err)
	for _, ent := range ents {
		assert.False(t, strings.HasSuffix(ent.Name(), ".tmp"), ent.Name())
	}
}

func TestReadMetadataNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.ReadMetadata("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadMetadataRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.CreateProjectDir("p1"))
	require.NoError(t, os.WriteFile(filepath.Join(s.ProjectDir("p1"), "metadata.json"), []byte("{nope"), 0o600))

	_, err := s.ReadMetadata("p1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestReadMetadataRejectsInvalidFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.CreateProjectDir("p1"))
	// Valid JSON, relative path.
	raw := `{"id":"p1","path":"relative/path","created_at":"2026-03-14T09:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(s.ProjectDir("p1"), "metadata.json"), []byte(raw), 0o600))

	_, err := s.ReadMetadata("p1")
	assert.Error(t, err)
}

func TestProjectIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.CreateProjectDir("p1"))
	require.NoError(t, s.CreateProjectDir("p2"))
	// Stray file next to the project dirs is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "projects", "junk"), []byte("x"), 0o600))

	ids, err := s.ProjectIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}

func TestRemoveProject(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.CreateProjectDir("p1"))
	log := s.MessageLog("p1")
	require.NoError(t, log.Append(models.TimestampedMessage{
		Timestamp: time.Now().UTC(),
		Direction: models.DirectionClient,
		Payload:   []byte(`{}`),
	}))
	require.NoError(t, log.Close())

	require.NoError(t, s.RemoveProject("p1"))
	_, err := os.Stat(s.ProjectDir("p1"))
	assert.True(t, os.IsNotExist(err))

	// Removing an absent project is not an error.
	assert.NoError(t, s.RemoveProject("p1"))
}

func TestNewStoreCreatesLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "nested", "data"), 1<<20, 100)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(s.Root(), "projects"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
