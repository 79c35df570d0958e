// Package models holds the core data types shared across the server: the
// project, its execution state, and the timestamped message unit stored in
// the per-project log.
//
// Projects do not reference the sessions watching them and sessions do not
// reference projects beyond an id; both indices live in the hub so that
// tearing down either side never walks the other model.
package models

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// State is a project's execution state.
type State string

const (
	StateIdle      State = "IDLE"
	StateExecuting State = "EXECUTING"
	StateError     State = "ERROR"
)

// Project is a unit of work bound to one absolute filesystem path. At most
// one execution per project runs at a time; the executor enforces that and
// keeps State in step.
//
// Field access goes through the methods below; they guard the mutable
// fields with the project's lock.
type Project struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	SessionID    string    `json:"session_id,omitempty"`
	State        State     `json:"state"`
	ErrorDetails string    `json:"error_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`

	// MessageLog is created once with the project and reused for every
	// execution. Never serialized.
	MessageLog MessageLogger `json:"-"`

	mu sync.RWMutex
}

// Metadata is the on-disk representation of a project, written atomically
// whenever session_id or last_active changes.
type Metadata struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// NewProject creates a project in the idle state with both timestamps set
// to now.
func NewProject(id, path string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:         id,
		Path:       path,
		State:      StateIdle,
		CreatedAt:  now,
		LastActive: now,
	}
}

// FromMetadata rebuilds a project from its persisted form. Recovered
// projects always restart idle: no execution can survive a server restart.
func FromMetadata(m Metadata) *Project {
	return &Project{
		ID:         m.ID,
		Path:       m.Path,
		SessionID:  m.SessionID,
		State:      StateIdle,
		CreatedAt:  m.CreatedAt,
		LastActive: m.LastActive,
	}
}

// ToMetadata captures the persistable fields.
func (p *Project) ToMetadata() Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Metadata{
		ID:         p.ID,
		Path:       p.Path,
		SessionID:  p.SessionID,
		CreatedAt:  p.CreatedAt,
		LastActive: p.LastActive,
	}
}

// Validate reports whether the metadata carries every required field.
func (m Metadata) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("metadata missing id")
	case m.Path == "":
		return fmt.Errorf("metadata missing path")
	case !filepath.IsAbs(m.Path):
		return fmt.Errorf("metadata path is not absolute")
	case m.CreatedAt.IsZero():
		return fmt.Errorf("metadata missing created_at")
	}
	return nil
}

// UpdateState moves the project to s, stamps last_active, and clears any
// stale error details when leaving the error state.
func (p *Project) UpdateState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
	p.LastActive = time.Now().UTC()
	if s != StateError {
		p.ErrorDetails = ""
	}
}

// SetError moves the project to the error state with a description of the
// failure. The description is wire-visible and must not contain paths.
func (p *Project) SetError(details string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = StateError
	p.ErrorDetails = details
	p.LastActive = time.Now().UTC()
}

// CurrentState reads the state under the lock.
func (p *Project) CurrentState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State
}

// Session reads the agent session id under the lock.
func (p *Project) Session() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.SessionID
}

// SetSession stores the agent session id and stamps last_active. An empty
// id clears the continuation token.
func (p *Project) SetSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SessionID = sessionID
	p.LastActive = time.Now().UTC()
}

// RestoreSession puts back a previously captured session id and
// last_active, used to revert an in-memory change whose persist failed.
func (p *Project) RestoreSession(sessionID string, lastActive time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SessionID = sessionID
	p.LastActive = lastActive
}

// LastActiveTime reads last_active under the lock.
func (p *Project) LastActiveTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.LastActive
}

// Snapshot returns a lock-free copy of the project's current fields. The
// copy carries no lock and no log reference.
func (p *Project) Snapshot() Project {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Project{
		ID:           p.ID,
		Path:         p.Path,
		SessionID:    p.SessionID,
		State:        p.State,
		ErrorDetails: p.ErrorDetails,
		CreatedAt:    p.CreatedAt,
		LastActive:   p.LastActive,
	}
}
