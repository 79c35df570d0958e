// Package project keeps the registry of live projects: creation with path
// validation and the no-nesting rule, deletion, startup recovery from disk,
// and session persistence.
package project

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/models"
	"github.com/tethr-io/tethr/internal/protocol"
	"github.com/tethr-io/tethr/internal/storage"
)

// Manager owns the id-keyed registry of projects. All methods are safe for
// concurrent use.
type Manager struct {
	store  *storage.Store
	logger *zap.Logger
	max    int

	mu          sync.RWMutex
	projects    map[string]*models.Project
	quarantined []string
}

// NewManager returns an empty registry; call Load to recover persisted
// projects.
func NewManager(store *storage.Store, maxProjects int, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		logger:   logger,
		max:      maxProjects,
		projects: make(map[string]*models.Project),
	}
}

// Load recovers every project found under the data directory. Projects with
// unreadable or invalid metadata are skipped and left on disk. When two
// recovered paths violate the no-nesting rule, the later-created project is
// quarantined: not served, not deleted.
func (m *Manager) Load() error {
	ids, err := m.store.ProjectIDs()
	if err != nil {
		return err
	}

	var loaded []*models.Project
	for _, id := range ids {
		meta, err := m.store.ReadMetadata(id)
		if err != nil {
			m.logger.Warn("skipping project with unreadable metadata",
				zap.String("project_id", id), zap.Error(err))
			continue
		}
		if meta.ID != id {
			m.logger.Warn("skipping project whose metadata id does not match its directory",
				zap.String("directory", id), zap.String("metadata_id", meta.ID))
			continue
		}
		loaded = append(loaded, models.FromMetadata(meta))
	}

	// Oldest first, so an overlap always quarantines the newer project.
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range loaded {
		if cid := m.nestingConflictLocked(p.Path); cid != "" {
			m.logger.Warn("quarantining project with overlapping path",
				zap.String("project_id", p.ID), zap.String("conflicts_with", cid))
			m.quarantined = append(m.quarantined, p.ID)
			continue
		}
		p.MessageLog = m.store.MessageLog(p.ID)
		m.projects[p.ID] = p
	}
	m.logger.Info("projects loaded",
		zap.Int("count", len(m.projects)), zap.Int("quarantined", len(m.quarantined)))
	return nil
}

// Create validates and canonicalizes path, then registers and persists a new
// project. The registry lock is held across the persist so two concurrent
// creates cannot race past the nesting check.
func (m *Manager) Create(rawPath string) (*models.Project, error) {
	path, err := CanonicalizePath(rawPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.projects) >= m.max {
		return nil, protocol.Ef(protocol.CodeResourceLimit, "project limit reached (%d)", m.max)
	}
	if cid := m.nestingConflictLocked(path); cid != "" {
		return nil, protocol.E(protocol.CodeProjectNesting, "path overlaps an existing project").
			WithDetail("conflict_project_id", cid)
	}

	p := models.NewProject(uuid.NewString(), path)
	if err := m.store.CreateProjectDir(p.ID); err != nil {
		m.logger.Error("failed to create project directory",
			zap.String("project_id", p.ID), zap.Error(err))
		return nil, protocol.E(protocol.CodeInternalError, "could not persist project")
	}
	if err := m.store.WriteMetadata(p.ToMetadata()); err != nil {
		m.logger.Error("failed to persist project metadata",
			zap.String("project_id", p.ID), zap.Error(err))
		if rerr := m.store.RemoveProject(p.ID); rerr != nil {
			m.logger.Warn("failed to clean up project directory",
				zap.String("project_id", p.ID), zap.Error(rerr))
		}
		return nil, protocol.E(protocol.CodeInternalError, "could not persist project")
	}
	p.MessageLog = m.store.MessageLog(p.ID)
	m.projects[p.ID] = p

	m.logger.Info("project created",
		zap.String("project_id", p.ID), zap.String("path", path))
	return p, nil
}

// Delete removes a project from the registry and wipes its directory. A
// project with a running execution cannot be deleted.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	p, ok := m.projects[id]
	if !ok {
		m.mu.Unlock()
		return protocol.Ef(protocol.CodeProjectNotFound, "project %q not found", id)
	}
	if p.CurrentState() == models.StateExecuting {
		m.mu.Unlock()
		return protocol.E(protocol.CodeProcessActive, "an execution is in progress")
	}
	delete(m.projects, id)
	m.mu.Unlock()

	if p.MessageLog != nil {
		if err := p.MessageLog.Close(); err != nil {
			m.logger.Warn("failed to close message log",
				zap.String("project_id", id), zap.Error(err))
		}
	}
	if err := m.store.RemoveProject(id); err != nil {
		m.logger.Error("failed to remove project directory",
			zap.String("project_id", id), zap.Error(err))
		return protocol.E(protocol.CodeInternalError, "could not remove project data")
	}

	m.logger.Info("project deleted", zap.String("project_id", id))
	return nil
}

// Get returns the live project for id.
func (m *Manager) Get(id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, protocol.Ef(protocol.CodeProjectNotFound, "project %q not found", id)
	}
	return p, nil
}

// List returns every live project ordered by creation time.
func (m *Manager) List() []*models.Project {
	m.mu.RLock()
	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live projects.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.projects)
}

// UpdateSession stores a new agent session id and persists the metadata,
// reverting the in-memory change if the write fails. An empty id clears the
// continuation token.
func (m *Manager) UpdateSession(id, sessionID string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	prevSession := p.Session()
	prevActive := p.LastActiveTime()

	p.SetSession(sessionID)
	if err := m.store.WriteMetadata(p.ToMetadata()); err != nil {
		p.RestoreSession(prevSession, prevActive)
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Persist writes the project's current metadata.
func (m *Manager) Persist(id string) error {
	p, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.store.WriteMetadata(p.ToMetadata()); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// CloseIdleLogs releases file handles of logs that have not been written to
// for at least idle.
func (m *Manager) CloseIdleLogs(idle time.Duration) {
	m.mu.RLock()
	logs := make([]models.MessageLogger, 0, len(m.projects))
	for _, p := range m.projects {
		if p.MessageLog != nil {
			logs = append(logs, p.MessageLog)
		}
	}
	m.mu.RUnlock()

	for _, l := range logs {
		l.CloseIdle(idle)
	}
}

// Quarantined lists the ids of projects skipped during Load because their
// paths overlapped an older project.
func (m *Manager) Quarantined() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.quarantined))
	copy(out, m.quarantined)
	return out
}

// nestingConflictLocked returns the id of a project whose path overlaps
// path, or "".
func (m *Manager) nestingConflictLocked(path string) string {
	for _, p := range m.projects {
		if nested(p.Path, path) {
			return p.ID
		}
	}
	return ""
}
