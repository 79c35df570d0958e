package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/protocol"
)

// HandlerFunc processes one inbound envelope for a session. A returned
// error is converted to an error frame and sent back on the same
// connection; handlers never write error frames themselves.
type HandlerFunc func(ctx context.Context, s *Session, env protocol.Envelope) error

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(HandlerFunc) HandlerFunc

// Dispatcher routes inbound envelopes by type through a middleware chain.
// Registration happens at startup; Dispatch runs concurrently afterwards.
type Dispatcher struct {
	hub      *Hub
	logger   *zap.Logger
	handlers map[string]HandlerFunc
	chain    []Middleware
}

// NewDispatcher builds an empty dispatcher bound to the hub it answers on.
func NewDispatcher(hub *Hub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Use appends a middleware to the chain. Must be called before Handle;
// handlers registered earlier do not see middlewares added later.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.chain = append(d.chain, mw...)
}

// Handle registers the handler for a message type, wrapped in the current
// middleware chain.
func (d *Dispatcher) Handle(msgType string, h HandlerFunc) {
	d.handlers[msgType] = d.wrap(h)
}

func (d *Dispatcher) wrap(h HandlerFunc) HandlerFunc {
	for i := len(d.chain) - 1; i >= 0; i-- {
		h = d.chain[i](h)
	}
	return h
}

// Dispatch runs the handler registered for env.Type. Unknown types go
// through the same chain so they are logged and counted like any other
// message before the error frame goes out.
func (d *Dispatcher) Dispatch(s *Session, env protocol.Envelope) {
	h, ok := d.handlers[env.Type]
	if !ok {
		h = d.wrap(func(context.Context, *Session, protocol.Envelope) error {
			return protocol.Ef(protocol.CodeUnknownMessageType, "unknown message type %q", env.Type)
		})
	}
	if err := h(context.Background(), s, env); err != nil {
		d.hub.SendTo(s, protocol.ErrorFrame(env.ProjectID, err))
	}
}
