// Package websocket carries the connection layer: session lifecycle, the
// hub that owns the connection table and per-project subscriber sets, the
// per-message dispatcher with its middleware chain, and the handlers for
// every client message type.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/models"
	"github.com/tethr-io/tethr/internal/protocol"
)

// Hub owns both sides of the subscription relation: the session table and
// the project-id-to-subscribers index. Sessions never hold project pointers
// and projects never hold session pointers, so tearing down either side is
// a hub-local operation.
type Hub struct {
	cfg        config.Config
	logger     *zap.Logger
	metrics    metrics.Recorder
	dispatcher *Dispatcher

	mu          sync.RWMutex
	sessions    map[string]*Session
	subscribers map[string]map[string]*Session
	perIP       map[string]int
	connCount   int
}

// NewHub builds an empty hub. Wire a dispatcher with SetDispatcher before
// accepting connections.
func NewHub(cfg config.Config, rec metrics.Recorder, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		logger:      logger,
		metrics:     rec,
		sessions:    make(map[string]*Session),
		subscribers: make(map[string]map[string]*Session),
		perIP:       make(map[string]int),
	}
}

// SetDispatcher installs the message dispatcher. The hub and dispatcher
// reference each other; construction finishes here.
func (h *Hub) SetDispatcher(d *Dispatcher) {
	h.dispatcher = d
}

// Reserve claims a connection slot for ip before the upgrade is attempted,
// so a burst of simultaneous handshakes cannot overshoot the limits. Every
// successful Reserve is paired with either Cleanup (after Add) or
// ReleaseReservation (upgrade failed).
func (h *Hub) Reserve(ip string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connCount >= h.cfg.MaxConnections {
		return protocol.Ef(protocol.CodeResourceLimit, "connection limit reached (%d)", h.cfg.MaxConnections)
	}
	if h.perIP[ip] >= h.cfg.MaxConnectionsPerIP {
		return protocol.Ef(protocol.CodeResourceLimit, "per-address connection limit reached (%d)", h.cfg.MaxConnectionsPerIP)
	}
	h.connCount++
	h.perIP[ip]++
	return nil
}

// ReleaseReservation returns a slot claimed by Reserve when no session was
// created for it.
func (h *Hub) ReleaseReservation(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseSlotLocked(ip)
}

func (h *Hub) releaseSlotLocked(ip string) {
	h.connCount--
	if h.perIP[ip]--; h.perIP[ip] <= 0 {
		delete(h.perIP, ip)
	}
}

// Add registers a freshly upgraded session. Its slot was already counted by
// Reserve.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	s.logger.Info("ws: session opened")
}

// Cleanup tears a session down: subscriber removal first, then the
// connection table and slot, then metrics, then the transport. It is
// idempotent; every disconnect path funnels here exactly once.
func (h *Hub) Cleanup(s *Session) {
	s.cleanup.Do(func() {
		h.mu.Lock()
		h.removeSubscriberLocked(s)
		if _, ok := h.sessions[s.ID]; ok {
			delete(h.sessions, s.ID)
			h.releaseSlotLocked(s.ip)
		}
		h.mu.Unlock()

		h.metrics.ConnectionClosed()
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.logger.Info("ws: session closed")
	})
}

// Join subscribes the session to a project, implicitly leaving any project
// it was watching before. A session watches at most one project at a time.
func (h *Hub) Join(s *Session, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.joined == projectID {
		return
	}
	h.removeSubscriberLocked(s)
	set := h.subscribers[projectID]
	if set == nil {
		set = make(map[string]*Session)
		h.subscribers[projectID] = set
	}
	set[s.ID] = s
	s.joined = projectID
}

// Leave unsubscribes the session from its current project, if any.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscriberLocked(s)
}

func (h *Hub) removeSubscriberLocked(s *Session) {
	if s.joined == "" {
		return
	}
	if set := h.subscribers[s.joined]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.subscribers, s.joined)
		}
	}
	s.joined = ""
}

// JoinedProject returns the project the session currently watches, or "".
func (h *Hub) JoinedProject(s *Session) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return s.joined
}

// IsSubscribed reports whether the session watches the given project.
func (h *Hub) IsSubscribed(s *Session, projectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return projectID != "" && s.joined == projectID
}

// ClearProject drops the whole subscriber set of a deleted project. Called
// after the deletion broadcast so subscribers still receive it.
func (h *Hub) ClearProject(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subscribers[projectID] {
		s.joined = ""
	}
	delete(h.subscribers, projectID)
}

// Broadcast sends one envelope to every subscriber of a project. Enqueueing
// never blocks: a subscriber with a full queue is evicted instead, so one
// stalled reader cannot hold up the rest.
func (h *Hub) Broadcast(projectID string, env protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("ws: failed to encode broadcast", zap.String("type", env.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.subscribers[projectID]))
	for _, s := range h.subscribers[projectID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, frame, env.Type)
}

// BroadcastAll sends one envelope to every connected session.
func (h *Hub) BroadcastAll(env protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("ws: failed to encode broadcast", zap.String("type", env.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, frame, env.Type)
}

// SendTo sends one envelope to a single session.
func (h *Hub) SendTo(s *Session, env protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("ws: failed to encode frame", zap.String("type", env.Type), zap.Error(err))
		return
	}
	h.deliver([]*Session{s}, frame, env.Type)
}

func (h *Hub) deliver(targets []*Session, frame []byte, msgType string) {
	var evicted []*Session
	for _, s := range targets {
		if s.enqueue(frame) {
			h.metrics.MessageSent(msgType)
		} else {
			evicted = append(evicted, s)
		}
	}
	for _, s := range evicted {
		s.logger.Warn("ws: evicting slow session", zap.String("type", msgType))
		h.metrics.SubscriberEvicted()
		h.Cleanup(s)
	}
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SubscriberCount returns the number of sessions watching a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[projectID])
}

// Shutdown closes every session with a going-away frame. New upgrades are
// expected to be stopped at the HTTP layer before this runs.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, s := range targets {
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		h.Cleanup(s)
	}
	h.logger.Info("ws: all sessions closed", zap.Int("count", len(targets)))
}

// stateFrame builds the project_state envelope for the project's current
// snapshot.
func stateFrame(p *models.Project) protocol.Envelope {
	env, err := protocol.NewEnvelope(protocol.TypeProjectState, p.ID, protocol.ViewOf(p))
	if err != nil {
		return protocol.ErrorFrame(p.ID, protocol.E(protocol.CodeInternalError, "internal server error"))
	}
	return env
}
