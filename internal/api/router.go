package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Config   config.Config
	Hub      *websocket.Hub
	Limiter  *websocket.IPLimiter
	Recorder metrics.Recorder
	Logger   *zap.Logger

	// Gatherer backs GET /metrics. Nil hides the endpoint, which keeps
	// test routers free of the collector plumbing.
	Gatherer prometheus.Gatherer
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The connection
	// limits and the rate limiter key on this address.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	wsHandler := NewWSHandler(cfg.Hub, cfg.Limiter, cfg.Config, cfg.Recorder, cfg.Logger)

	r.Get("/healthz", handleHealth)
	r.Get("/ws", wsHandler.ServeWS)
	if cfg.Gatherer != nil {
		r.Get("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	}

	return r
}

// handleHealth answers liveness probes. It reports process health only;
// project and execution state are visible through /metrics and the stats
// broadcast.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, envelope{"status": "ok"})
}
