package websocket

import (
	"time"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/executor"
	"github.com/tethr-io/tethr/internal/metrics"
	"github.com/tethr-io/tethr/internal/project"
	"github.com/tethr-io/tethr/internal/protocol"
)

// StatsCollector assembles the periodic stats frame sent to every session.
type StatsCollector struct {
	hub      *Hub
	registry *project.Manager
	exec     *executor.Executor
	rec      metrics.Recorder
	dataDir  string
	started  time.Time
	logger   *zap.Logger
}

// NewStatsCollector builds a collector; dataDir is the filesystem whose
// usage is reported.
func NewStatsCollector(hub *Hub, registry *project.Manager, exec *executor.Executor, rec metrics.Recorder, dataDir string, logger *zap.Logger) *StatsCollector {
	return &StatsCollector{
		hub:      hub,
		registry: registry,
		exec:     exec,
		rec:      rec,
		dataDir:  dataDir,
		started:  time.Now(),
		logger:   logger,
	}
}

// Broadcast sends one stats frame to all sessions. Host readings are best
// effort; a partial failure still broadcasts whatever was collected.
func (c *StatsCollector) Broadcast() {
	host, err := metrics.CollectHost(c.dataDir)
	if err != nil {
		c.logger.Debug("stats: partial host readings", zap.Error(err))
	}
	data := protocol.StatsData{
		Connections:   c.hub.SessionCount(),
		Projects:      c.registry.Count(),
		Executing:     c.exec.ActiveCount(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		CPUPercent:    host.CPUPercent,
		MemPercent:    host.MemPercent,
		DiskPercent:   host.DiskPercent,
	}
	c.rec.SetProjects(data.Projects)

	env, err := protocol.NewEnvelope(protocol.TypeStats, "", data)
	if err != nil {
		c.logger.Error("stats: failed to encode frame", zap.Error(err))
		return
	}
	c.hub.BroadcastAll(env)
}
