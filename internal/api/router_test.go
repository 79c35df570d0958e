package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/config"
	"github.com/tethr-io/tethr/internal/executor"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/project"
	"github.com/tethr-io/tethr/internal/protocol"
	"github.com/tethr-io/tethr/internal/storage"
	"github.com/tethr-io/tethr/internal/websocket"
)

func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type serverFixture struct {
	cfg      config.Config
	srv      *httptest.Server
	hub      *websocket.Hub
	registry *project.Manager
	exec     *executor.Executor
	prom     *metrics.Prometheus
}

// newTestServer stands up the full server over a real listener: router,
// hub, dispatcher, registry, and an executor running agentBody as the
// agent binary.
func newTestServer(t *testing.T, agentBody string, mutate func(*config.Config)) *serverFixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	store, err := storage.NewStore(cfg.DataDir, cfg.LogRotateSize, cfg.LogRotateEntries)
	require.NoError(t, err)
	registry := project.NewManager(store, cfg.MaxProjects, logger)
	require.NoError(t, registry.Load())

	prom := metrics.NewPrometheus()
	hub := websocket.NewHub(cfg, prom, logger)
	d := websocket.NewDispatcher(hub, logger)
	hub.SetDispatcher(d)

	exec := executor.New(executor.Config{
		AgentPath:     writeAgent(t, agentBody),
		Timeout:       cfg.ExecutionTimeout,
		MaxConcurrent: cfg.MaxConcurrentExecutions,
	}, registry, websocket.NewHubNotifier(hub, logger), prom, logger)

	d.Use(
		websocket.Recover(logger),
		websocket.Logging(logger),
		websocket.Metrics(prom),
		websocket.Validation(hub),
	)
	websocket.NewHandlers(registry, exec, hub, prom, logger).Register(d)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Config:   cfg,
		Hub:      hub,
		Limiter:  websocket.NewIPLimiter(cfg.ConnectionsPerIPRate, cfg.MaxConnectionsPerIP),
		Recorder: prom,
		Logger:   logger,
		Gatherer: prom.Registry(),
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)

	return &serverFixture{
		cfg:      cfg,
		srv:      srv,
		hub:      hub,
		registry: registry,
		exec:     exec,
		prom:     prom,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// dial opens a client connection and fails the test if the handshake is
// refused.
func dial(t *testing.T, f *serverFixture, header http.Header) *gws.Conn {
	t.Helper()
	conn, resp, err := gws.DefaultDialer.Dial(wsURL(f.srv), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *gws.Conn, msgType, projectID string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, projectID, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func readFrame(t *testing.T, conn *gws.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, nil)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tethr_connections_open")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWSRejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, func(c *config.Config) {
		c.AllowedOrigins = []string{"https://app.example"}
	})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := gws.DefaultDialer.Dial(wsURL(f.srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, conn)

	// The allowed origin connects fine.
	ok := dial(t, f, http.Header{"Origin": []string{"https://app.example"}})
	sendFrame(t, ok, protocol.TypePing, "", nil)
	assert.Equal(t, protocol.TypePong, readFrame(t, ok).Type)
}

func TestWSRateLimitRejects(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, func(c *config.Config) {
		// Burst of one: the second handshake inside the same minute is
		// throttled.
		c.MaxConnectionsPerIP = 1
		c.ConnectionsPerIPRate = 1
	})

	dial(t, f, nil)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(f.srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWSCapacityRejects(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, func(c *config.Config) {
		c.MaxConnections = 1
		c.MaxConnectionsPerIP = 5
	})

	dial(t, f, nil)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(f.srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWSMalformedFrameGetsValidationError(t *testing.T) {
	t.Parallel()

	f := newTestServer(t, `true`, nil)
	conn := dial(t, f, nil)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("not json")))

	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, protocol.CodeValidationFailed, data.Code)

	// The connection survives a bad frame.
	sendFrame(t, conn, protocol.TypePing, "", nil)
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
}
