// Package scheduler owns the server's recurring maintenance: the periodic
// stats broadcast, rate-limiter bucket pruning, and closing idle message
// log handles. It wraps gocron so the jobs run on singleton schedules and
// shut down together.
package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/project"
	"github.com/tethr-io/tethr/internal/websocket"
)

const (
	statsInterval       = 10 * time.Second
	maintenanceInterval = time.Minute

	// Limiter buckets and open log handles are dropped after this much
	// inactivity.
	limiterIdle = 10 * time.Minute
	logIdle     = 5 * time.Minute
)

// Scheduler wraps gocron and runs the recurring server jobs.
// The zero value is not usable; create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	stats    *websocket.StatsCollector
	limiter  *websocket.IPLimiter
	registry *project.Manager
	logger   *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(stats *websocket.StatsCollector, limiter *websocket.IPLimiter, registry *project.Manager, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:     s,
		stats:    stats,
		limiter:  limiter,
		registry: registry,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the underlying gocron
// scheduler. It should be called once at server startup.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"stats_broadcast", statsInterval, s.stats.Broadcast},
		{"limiter_prune", maintenanceInterval, s.pruneLimiter},
		{"close_idle_logs", maintenanceInterval, s.closeIdleLogs},
	}

	for _, j := range jobs {
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("gocron.NewJob failed for %s: %w", j.name, err)
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) pruneLimiter() {
	if n := s.limiter.Prune(limiterIdle); n > 0 {
		s.logger.Debug("pruned limiter buckets", zap.Int("count", n))
	}
}

func (s *Scheduler) closeIdleLogs() {
	s.registry.CloseIdleLogs(logIdle)
}
