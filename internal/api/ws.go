package api

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws.
//
// Admission runs in three steps before the upgrade is attempted: the Origin
// header is checked against the configured allowlist, the per-address rate
// limiter is consulted, and a connection slot is reserved against the
// global and per-address ceilings. Each rejection is counted by reason so
// refused traffic shows up in the metrics.
type WSHandler struct {
	hub     *websocket.Hub
	limiter *websocket.IPLimiter
	cfg     config.Config
	rec     metrics.Recorder
	logger  *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, limiter *websocket.IPLimiter, cfg config.Config, rec metrics.Recorder, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		limiter: limiter,
		cfg:     cfg,
		rec:     rec,
		logger:  logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws. On success it blocks until the connection
// closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); !h.cfg.AllowsOrigin(origin) {
		h.rec.ConnectionRejected("origin")
		h.logger.Warn("ws: origin rejected",
			zap.String("origin", origin),
			zap.String("remote_addr", r.RemoteAddr))
		ErrForbidden(w, "origin not allowed")
		return
	}

	ip := clientIP(r)
	if !h.limiter.Allow(ip) {
		h.rec.ConnectionRejected("rate")
		ErrTooManyRequests(w, "too many connection attempts")
		return
	}

	if err := h.hub.Reserve(ip); err != nil {
		h.rec.ConnectionRejected("capacity")
		h.logger.Warn("ws: connection refused", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		ErrUnavailable(w, "connection limit reached")
		return
	}

	// Accept releases the reservation itself if the upgrade fails; the
	// response has already been written by the upgrader in that case.
	if err := websocket.Accept(w, r, h.hub, ip); err != nil {
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}

// clientIP extracts the bare address from RemoteAddr. Behind a proxy,
// Chi's RealIP middleware has already rewritten RemoteAddr from the
// forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
