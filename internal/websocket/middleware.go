package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/protocol"
)

// Recover converts a handler panic into an INTERNAL_ERROR frame. The read
// loop must never die because one message blew up.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, s *Session, env protocol.Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ws: handler panic",
						zap.String("type", env.Type),
						zap.String("session_id", s.ID),
						zap.Any("panic", r),
						zap.Stack("stack"))
					err = protocol.E(protocol.CodeInternalError, "internal server error")
				}
			}()
			return next(ctx, s, env)
		}
	}
}

// Logging records every handled message with its outcome and duration.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, s *Session, env protocol.Envelope) error {
			start := time.Now()
			err := next(ctx, s, env)
			fields := []zap.Field{
				zap.String("type", env.Type),
				zap.String("session_id", s.ID),
				zap.Duration("elapsed", time.Since(start)),
			}
			if env.ProjectID != "" {
				fields = append(fields, zap.String("project_id", env.ProjectID))
			}
			if err != nil {
				fields = append(fields,
					zap.String("code", string(protocol.CodeOf(err))),
					zap.Error(err))
				logger.Warn("ws: message failed", fields...)
				return err
			}
			logger.Debug("ws: message handled", fields...)
			return nil
		}
	}
}

// Metrics counts every inbound message by type.
func Metrics(rec metrics.Recorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, s *Session, env protocol.Envelope) error {
			rec.MessageReceived(env.Type)
			return next(ctx, s, env)
		}
	}
}

// Validation rejects envelopes that fail schema-level checks before the
// handler runs: a project reference where one is required and a non-empty
// prompt on execute. Path checks stay in the project layer, which owns the
// INVALID_PATH semantics.
func Validation(hub *Hub) Middleware {
	needsProject := map[string]bool{
		protocol.TypeProjectDelete:   true,
		protocol.TypeProjectJoin:     true,
		protocol.TypeProjectLeave:    true,
		protocol.TypeExecute:         true,
		protocol.TypeAgentNewSession: true,
		protocol.TypeAgentKill:       true,
		protocol.TypeGetMessages:     true,
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, s *Session, env protocol.Envelope) error {
			if needsProject[env.Type] && resolveProject(hub, s, env) == "" {
				return protocol.E(protocol.CodeValidationFailed, "project_id is required")
			}
			if env.Type == protocol.TypeExecute {
				var req protocol.ExecuteRequest
				if err := decodeData(env, &req); err != nil {
					return err
				}
				if req.Prompt == "" {
					return protocol.E(protocol.CodeValidationFailed, "prompt is required")
				}
			}
			return next(ctx, s, env)
		}
	}
}

// resolveProject names the project an envelope addresses: an explicit
// project_id in the payload wins, then the envelope field, then the
// session's joined project.
func resolveProject(hub *Hub, s *Session, env protocol.Envelope) string {
	if len(env.Data) > 0 {
		var probe struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(env.Data, &probe); err == nil && probe.ProjectID != "" {
			return probe.ProjectID
		}
	}
	if env.ProjectID != "" {
		return env.ProjectID
	}
	return hub.JoinedProject(s)
}

// decodeData unmarshals the envelope payload into v. A missing payload
// decodes as the zero value; malformed JSON is a validation failure.
func decodeData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return protocol.Ef(protocol.CodeValidationFailed, "invalid %s data", env.Type)
	}
	return nil
}
