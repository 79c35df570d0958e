package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/executor"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/project"
	"github.com/tethr-io/tethr/internal/protocol"
)

// Handlers binds the message catalog to the project registry and the
// executor. One instance serves all sessions.
type Handlers struct {
	registry *project.Manager
	exec     *executor.Executor
	hub      *Hub
	rec      metrics.Recorder
	logger   *zap.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(registry *project.Manager, exec *executor.Executor, hub *Hub, rec metrics.Recorder, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		exec:     exec,
		hub:      hub,
		rec:      rec,
		logger:   logger,
	}
}

// Register installs every message type on the dispatcher.
func (h *Handlers) Register(d *Dispatcher) {
	d.Handle(protocol.TypeProjectCreate, h.handleProjectCreate)
	d.Handle(protocol.TypeProjectDelete, h.handleProjectDelete)
	d.Handle(protocol.TypeProjectList, h.handleProjectList)
	d.Handle(protocol.TypeProjectJoin, h.handleProjectJoin)
	d.Handle(protocol.TypeProjectLeave, h.handleProjectLeave)
	d.Handle(protocol.TypeExecute, h.handleExecute)
	d.Handle(protocol.TypeAgentNewSession, h.handleNewSession)
	d.Handle(protocol.TypeAgentKill, h.handleKill)
	d.Handle(protocol.TypeGetMessages, h.handleGetMessages)
	d.Handle(protocol.TypePing, h.handlePing)
}

func (h *Handlers) handleProjectCreate(ctx context.Context, s *Session, env protocol.Envelope) error {
	var req protocol.CreateProjectRequest
	if err := decodeData(env, &req); err != nil {
		return err
	}
	p, err := h.registry.Create(req.Path)
	if err != nil {
		return err
	}
	h.rec.SetProjects(h.registry.Count())
	h.hub.SendTo(s, stateFrame(p))
	return nil
}

func (h *Handlers) handleProjectDelete(ctx context.Context, s *Session, env protocol.Envelope) error {
	id := resolveProject(h.hub, s, env)
	if h.exec.Active(id) {
		return protocol.E(protocol.CodeProcessActive, "an execution is in progress")
	}
	if err := h.registry.Delete(id); err != nil {
		return err
	}
	h.rec.SetProjects(h.registry.Count())

	deleted, err := protocol.NewEnvelope(protocol.TypeProjectDeleted, id, protocol.DeletedData{ProjectID: id})
	if err != nil {
		return protocol.E(protocol.CodeInternalError, "internal server error")
	}
	// Subscribers hear about the deletion before their subscriptions are
	// dropped; the originator gets the same frame if it was not subscribed.
	notifyOriginator := !h.hub.IsSubscribed(s, id)
	h.hub.Broadcast(id, deleted)
	h.hub.ClearProject(id)
	if notifyOriginator {
		h.hub.SendTo(s, deleted)
	}
	return nil
}

func (h *Handlers) handleProjectList(ctx context.Context, s *Session, env protocol.Envelope) error {
	projects := h.registry.List()
	views := make([]protocol.ProjectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, protocol.ViewOf(p))
	}
	out, err := protocol.NewEnvelope(protocol.TypeProjectList, "", protocol.ProjectListData{Projects: views})
	if err != nil {
		return protocol.E(protocol.CodeInternalError, "internal server error")
	}
	h.hub.SendTo(s, out)
	return nil
}

func (h *Handlers) handleProjectJoin(ctx context.Context, s *Session, env protocol.Envelope) error {
	id := resolveProject(h.hub, s, env)
	p, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	h.hub.Join(s, id)

	joined, err := protocol.NewEnvelope(protocol.TypeProjectJoined, id, protocol.JoinedData{ProjectID: id})
	if err != nil {
		return protocol.E(protocol.CodeInternalError, "internal server error")
	}
	h.hub.SendTo(s, joined)
	h.hub.SendTo(s, stateFrame(p))
	return nil
}

func (h *Handlers) handleProjectLeave(ctx context.Context, s *Session, env protocol.Envelope) error {
	id := resolveProject(h.hub, s, env)
	if !h.hub.IsSubscribed(s, id) {
		return protocol.E(protocol.CodeValidationFailed, "session is not subscribed to this project")
	}
	h.hub.Leave(s)
	return nil
}

// handleExecute runs the agent synchronously in the dispatch goroutine;
// per-message dispatch keeps the read loop free while it runs.
func (h *Handlers) handleExecute(ctx context.Context, s *Session, env protocol.Envelope) error {
	var req protocol.ExecuteRequest
	if err := decodeData(env, &req); err != nil {
		return err
	}
	return h.exec.Execute(resolveProject(h.hub, s, env), req)
}

func (h *Handlers) handleNewSession(ctx context.Context, s *Session, env protocol.Envelope) error {
	id := resolveProject(h.hub, s, env)
	p, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	if h.exec.Active(id) {
		return protocol.E(protocol.CodeProcessActive, "an execution is in progress")
	}
	if err := h.registry.UpdateSession(id, ""); err != nil {
		return err
	}
	h.hub.Broadcast(id, stateFrame(p))
	if !h.hub.IsSubscribed(s, id) {
		h.hub.SendTo(s, stateFrame(p))
	}
	return nil
}

func (h *Handlers) handleKill(ctx context.Context, s *Session, env protocol.Envelope) error {
	return h.exec.Kill(resolveProject(h.hub, s, env))
}

func (h *Handlers) handleGetMessages(ctx context.Context, s *Session, env protocol.Envelope) error {
	var req protocol.GetMessagesRequest
	if err := decodeData(env, &req); err != nil {
		return err
	}
	id := resolveProject(h.hub, s, env)
	p, err := h.registry.Get(id)
	if err != nil {
		return err
	}
	msgs, err := p.MessageLog.MessagesSince(req.Since)
	if err != nil {
		h.logger.Error("ws: message log read failed", zap.String("project_id", id), zap.Error(err))
		return protocol.E(protocol.CodeInternalError, "could not read message log")
	}
	out, mErr := protocol.NewEnvelope(protocol.TypeMessages, id, protocol.MessagesData{Messages: msgs})
	if mErr != nil {
		return protocol.E(protocol.CodeInternalError, "internal server error")
	}
	h.hub.SendTo(s, out)
	return nil
}

func (h *Handlers) handlePing(ctx context.Context, s *Session, env protocol.Envelope) error {
	out, err := protocol.NewEnvelope(protocol.TypePong, "", protocol.PongData{Timestamp: time.Now().UTC()})
	if err != nil {
		return protocol.E(protocol.CodeInternalError, "internal server error")
	}
	h.hub.SendTo(s, out)
	return nil
}
