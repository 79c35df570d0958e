package websocket

import (
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/models"
	"github.com/tethr-io/tethr/internal/protocol"
)

// HubNotifier forwards execution events to the subscribers of the project
// they belong to. It is the executor's window into the connection layer.
type HubNotifier struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHubNotifier builds a notifier that broadcasts through hub.
func NewHubNotifier(hub *Hub, logger *zap.Logger) *HubNotifier {
	return &HubNotifier{hub: hub, logger: logger}
}

// ProjectState broadcasts the project's current snapshot.
func (n *HubNotifier) ProjectState(p *models.Project) {
	n.hub.Broadcast(p.ID, stateFrame(p))
}

// AgentMessage broadcasts one parsed agent message.
func (n *HubNotifier) AgentMessage(projectID string, msg models.TimestampedMessage) {
	env, err := protocol.NewEnvelope(protocol.TypeAgentMessage, projectID, msg)
	if err != nil {
		n.logger.Error("ws: failed to encode agent message", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	n.hub.Broadcast(projectID, env)
}
