// Package storage owns the on-disk layout of the data directory:
//
//	<data-dir>/projects/<project-id>/metadata.json
//	<data-dir>/projects/<project-id>/logs/messages_<timestamp>.jsonl
//
// Metadata writes are atomic (temp file then rename) so a crash never
// leaves a half-written metadata.json behind.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tethr-io/tethr/internal/models"
)

const (
	projectsDirName = "projects"
	metadataName    = "metadata.json"
	logsDirName     = "logs"
)

// ErrNotFound reports a project directory or metadata file that does not
// exist on disk.
var ErrNotFound = errors.New("project not found on disk")

// Store reads and writes project state under a single data directory.
type Store struct {
	root          string
	rotateSize    int64
	rotateEntries int
}

// NewStore creates the projects directory if needed and returns a store
// rooted at dataDir.
func NewStore(dataDir string, rotateSize int64, rotateEntries int) (*Store, error) {
	root, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, projectsDirName), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{root: root, rotateSize: rotateSize, rotateEntries: rotateEntries}, nil
}

// Root returns the absolute data directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the directory holding one project's files.
func (s *Store) ProjectDir(id string) string {
	return filepath.Join(s.root, projectsDirName, id)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.ProjectDir(id), metadataName)
}

func (s *Store) logsDir(id string) string {
	return filepath.Join(s.ProjectDir(id), logsDirName)
}

// CreateProjectDir makes the project directory. The logs directory under it
// appears on the first append.
func (s *Store) CreateProjectDir(id string) error {
	if err := os.MkdirAll(s.ProjectDir(id), 0o700); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return nil
}

// RemoveProject deletes the project directory and everything under it.
func (s *Store) RemoveProject(id string) error {
	if err := os.RemoveAll(s.ProjectDir(id)); err != nil {
		return fmt.Errorf("remove project dir: %w", err)
	}
	return nil
}

// ProjectIDs lists the ids of all project directories, in no particular
// order. Stray files under projects/ are ignored.
func (s *Store) ProjectIDs() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(s.root, projectsDirName))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for _, ent := range ents {
		if ent.IsDir() {
			ids = append(ids, ent.Name())
		}
	}
	return ids, nil
}

// WriteMetadata persists a project's metadata atomically.
func (s *Store) WriteMetadata(meta models.Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	dir := s.ProjectDir(meta.ID)
	tmp, err := os.CreateTemp(dir, "metadata.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.metadataPath(meta.ID)); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	ok = true
	return nil
}

// ReadMetadata loads and validates one project's metadata.
func (s *Store) ReadMetadata(id string) (models.Metadata, error) {
	var meta models.Metadata
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return meta, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	if err := meta.Validate(); err != nil {
		return meta, fmt.Errorf("metadata for %s: %w", id, err)
	}
	return meta, nil
}

// MessageLog returns the message log for one project. Callers own the
// returned log; the store does not cache it.
func (s *Store) MessageLog(id string) *MessageLog {
	return NewMessageLog(s.logsDir(id), s.rotateSize, s.rotateEntries)
}
