// Package protocol defines the JSON wire format spoken over the WebSocket
// connection: the frame envelope, the client and server message types, the
// typed payloads carried in the data field, and the error codes surfaced
// to clients.
//
// Every frame in either direction is a single JSON object:
//
//	{"type": "...", "project_id": "...", "data": {...}}
//
// project_id and data are optional depending on the type. Inbound frames
// keep data as raw JSON so the router can dispatch on type first and let
// the handler decode the payload it expects.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tethr-io/tethr/internal/models"
)

// Client-to-server message types.
const (
	TypeProjectCreate   = "project_create"
	TypeProjectDelete   = "project_delete"
	TypeProjectList     = "project_list"
	TypeProjectJoin     = "project_join"
	TypeProjectLeave    = "project_leave"
	TypeExecute         = "execute"
	TypeAgentNewSession = "agent_new_session"
	TypeAgentKill       = "agent_kill"
	TypeGetMessages     = "get_messages"
	TypePing            = "ping"
)

// Server-to-client message types. TypeProjectList doubles as the response
// type for a project_list request.
const (
	TypeProjectState   = "project_state"
	TypeProjectJoined  = "project_joined"
	TypeProjectDeleted = "project_deleted"
	TypeAgentMessage   = "agent_message"
	TypeMessages       = "messages"
	TypeError          = "error"
	TypeStats          = "stats"
	TypePong           = "pong"
)

// Envelope is the frame shape shared by both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an outbound frame, marshaling data into the data
// field. A nil data leaves the field absent.
func NewEnvelope(msgType, projectID string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, ProjectID: projectID}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", msgType, err)
	}
	env.Data = raw
	return env, nil
}

// CreateProjectRequest is the data payload of project_create.
type CreateProjectRequest struct {
	Path string `json:"path"`
}

// DeleteProjectRequest is the data payload of project_delete.
type DeleteProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// JoinProjectRequest is the data payload of project_join.
type JoinProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// LeaveProjectRequest is the data payload of project_leave.
type LeaveProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// NewSessionRequest is the data payload of agent_new_session.
type NewSessionRequest struct {
	ProjectID string `json:"project_id"`
}

// KillRequest is the data payload of agent_kill.
type KillRequest struct {
	ProjectID string `json:"project_id"`
}

// ExecuteRequest is the data payload of execute. The project is named by
// the envelope project_id or defaults to the session's joined project.
type ExecuteRequest struct {
	Prompt  string          `json:"prompt"`
	Options *ExecuteOptions `json:"options,omitempty"`
}

// ExecuteOptions is the closed set of recognized agent invocation options.
// Unknown keys sent by newer clients are dropped during decoding and never
// reach the command line.
type ExecuteOptions struct {
	DangerouslySkipPermissions bool     `json:"dangerously_skip_permissions,omitempty"`
	AllowedTools               []string `json:"allowed_tools,omitempty"`
	DisallowedTools            []string `json:"disallowed_tools,omitempty"`
	MCPConfig                  string   `json:"mcp_config,omitempty"`
	AppendSystemPrompt         string   `json:"append_system_prompt,omitempty"`
	PermissionMode             string   `json:"permission_mode,omitempty"`
	Model                      string   `json:"model,omitempty"`
	FallbackModel              string   `json:"fallback_model,omitempty"`
	AddDirs                    []string `json:"add_dirs,omitempty"`
	StrictMCPConfig            bool     `json:"strict_mcp_config,omitempty"`
}

// GetMessagesRequest is the data payload of get_messages.
type GetMessagesRequest struct {
	Since time.Time `json:"since"`
}

// ProjectView is the client-visible snapshot carried by project_state and
// project_list frames.
type ProjectView struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	State        string    `json:"state"`
	SessionID    string    `json:"session_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	ErrorDetails string    `json:"error_details,omitempty"`
}

// ViewOf captures a project's current fields as their wire representation.
func ViewOf(p *models.Project) ProjectView {
	snap := p.Snapshot()
	return ProjectView{
		ID:           snap.ID,
		Path:         snap.Path,
		State:        string(snap.State),
		SessionID:    snap.SessionID,
		CreatedAt:    snap.CreatedAt,
		LastActive:   snap.LastActive,
		ErrorDetails: snap.ErrorDetails,
	}
}

// ProjectListData is the data payload of a project_list response.
type ProjectListData struct {
	Projects []ProjectView `json:"projects"`
}

// JoinedData is the data payload of project_joined.
type JoinedData struct {
	ProjectID string `json:"project_id"`
}

// DeletedData is the data payload of project_deleted.
type DeletedData struct {
	ProjectID string `json:"project_id"`
}

// MessagesData is the data payload of a messages response: the log entries
// matching a get_messages request, in chronological order.
type MessagesData struct {
	Messages []models.TimestampedMessage `json:"messages"`
}

// StatsData is the data payload of the periodic stats broadcast.
type StatsData struct {
	Connections   int     `json:"connections"`
	Projects      int     `json:"projects"`
	Executing     int     `json:"executing"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// PongData is the data payload of pong.
type PongData struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorData is the data payload of an error frame.
type ErrorData struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
