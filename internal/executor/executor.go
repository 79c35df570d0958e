// Package executor spawns the agent CLI for a project, enforces the
// one-execution-per-project rule and the global concurrency ceiling, and
// turns process outcomes into project state transitions.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tethr-io/tethr/internal/models"
	"github.com/tethr-io/tethr/internal/protocol"
)

// Registry is the slice of the project manager the executor needs.
type Registry interface {
	Get(id string) (*models.Project, error)
	UpdateSession(id, sessionID string) error
	Persist(id string) error
}

// Notifier delivers state changes and agent output to project subscribers.
// The hub implements it; tests substitute a recorder.
type Notifier interface {
	ProjectState(p *models.Project)
	AgentMessage(projectID string, msg models.TimestampedMessage)
}

// Metrics is the executor's slice of the metrics recorder.
type Metrics interface {
	ExecutionStarted()
	ExecutionFinished(status string, elapsed time.Duration)
}

// Config carries the executor's immutable knobs.
type Config struct {
	AgentPath     string
	Timeout       time.Duration
	MaxConcurrent int
}

// killGrace is how long a terminated process gets before the force-kill.
const killGrace = 2 * time.Second

type process struct {
	cancel context.CancelFunc
	done   chan struct{}
	killed atomic.Bool
}

// Executor runs at most one agent process per project and at most
// MaxConcurrent across all projects.
type Executor struct {
	cfg      Config
	registry Registry
	notifier Notifier
	metrics  Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]*process
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, registry Registry, notifier Notifier, metrics Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		active:   make(map[string]*process),
	}
}

// Execute runs one agent invocation for the project and blocks until it
// finishes. The returned error is nil on success, or carries the protocol
// code describing the failure. State broadcasts and agent messages reach
// subscribers through the notifier, not the return value.
func (e *Executor) Execute(projectID string, req protocol.ExecuteRequest) error {
	p, err := e.registry.Get(projectID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	proc := &process{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		cancel()
		return protocol.E(protocol.CodeInternalError, "server is shutting down")
	case e.active[projectID] != nil:
		e.mu.Unlock()
		cancel()
		return protocol.E(protocol.CodeProcessActive, "an execution is already in progress")
	case len(e.active) >= e.cfg.MaxConcurrent:
		e.mu.Unlock()
		cancel()
		return protocol.Ef(protocol.CodeResourceLimit, "concurrent execution limit reached (%d)", e.cfg.MaxConcurrent)
	}
	e.active[projectID] = proc
	e.wg.Add(1)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, projectID)
		e.mu.Unlock()
		cancel()
		close(proc.done)
		e.wg.Done()
	}()

	return e.run(ctx, proc, p, req)
}

func (e *Executor) run(ctx context.Context, proc *process, p *models.Project, req protocol.ExecuteRequest) error {
	start := time.Now()
	sessionID := p.Session()

	p.UpdateState(models.StateExecuting)
	e.notifier.ProjectState(p)
	e.metrics.ExecutionStarted()

	e.appendLog(p, models.TimestampedMessage{
		Timestamp: time.Now().UTC(),
		Direction: models.DirectionClient,
		Payload:   executePayload(req),
	})

	args := buildArgs(sessionID, p.Path, req)
	cmd := exec.CommandContext(ctx, e.cfg.AgentPath, args...)
	cmd.Dir = p.Path
	cmd.WaitDelay = killGrace
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("execution started",
		zap.String("project_id", p.ID),
		zap.String("session_id", sessionID),
		zap.Int("args", len(args)))

	runErr := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	execErr := e.classify(ctx, proc, runErr, exitCode, stderr.Bytes())
	var out agentOutput
	if execErr == nil {
		out, execErr = parseOutput(stdout.Bytes(), stderr.Bytes())
	}

	status := e.finish(p, out, execErr)
	elapsed := time.Since(start)
	e.metrics.ExecutionFinished(status, elapsed)
	e.logger.Info("execution finished",
		zap.String("project_id", p.ID),
		zap.String("status", status),
		zap.Int("exit_code", exitCode),
		zap.Int("messages", len(out.Messages)),
		zap.Duration("elapsed", elapsed))
	if execErr != nil {
		return execErr
	}
	// Explicit nil keeps the interface value nil; returning the typed nil
	// pointer would make the error non-nil to callers.
	return nil
}

// classify maps the raw process outcome onto a protocol error, or nil when
// stdout should be parsed. Kill wins over timeout: both cancel the context,
// but only Kill marks the process.
func (e *Executor) classify(ctx context.Context, proc *process, runErr error, exitCode int, stderr []byte) *protocol.Error {
	switch {
	case proc.killed.Load():
		return protocol.E(protocol.CodeProcessKilled, "execution killed by request")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return protocol.Ef(protocol.CodeExecutionTimeout, "execution exceeded %s", e.cfg.Timeout)
	case runErr == nil:
		return nil
	case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, fs.ErrNotExist):
		return protocol.E(protocol.CodeAgentNotFound, "agent binary not found")
	default:
		return protocol.Ef(protocol.CodeExecutionFailed, "agent exited with status %d", exitCode).
			WithDetail("exit_code", exitCode).
			WithDetail("stderr", stderrSnippet(stderr))
	}
}

// finish applies the terminal state transition, forwards parsed messages,
// and persists the session. It returns the status label for metrics.
func (e *Executor) finish(p *models.Project, out agentOutput, execErr *protocol.Error) string {
	status := "ok"
	switch {
	case execErr == nil:
		p.UpdateState(models.StateIdle)
	case execErr.Code == protocol.CodeProcessKilled:
		// A requested kill is a clean stop, not a fault.
		p.UpdateState(models.StateIdle)
		status = "killed"
	default:
		p.SetError(execErr.Message)
		status = "error"
	}

	for _, raw := range out.Messages {
		msg := models.TimestampedMessage{
			Timestamp: time.Now().UTC(),
			Direction: models.DirectionAgent,
			Payload:   raw,
		}
		e.appendLog(p, msg)
		e.notifier.AgentMessage(p.ID, msg)
	}

	if out.SessionID != "" && out.SessionID != p.Session() {
		if err := e.registry.UpdateSession(p.ID, out.SessionID); err != nil {
			e.logger.Error("failed to persist session",
				zap.String("project_id", p.ID), zap.Error(err))
		}
	} else if err := e.registry.Persist(p.ID); err != nil {
		e.logger.Warn("failed to persist project activity",
			zap.String("project_id", p.ID), zap.Error(err))
	}

	e.notifier.ProjectState(p)
	return status
}

// Kill signals the project's running process. The termination result is
// reported to the waiting Execute call, not to Kill's caller.
func (e *Executor) Kill(projectID string) error {
	e.mu.Lock()
	proc := e.active[projectID]
	e.mu.Unlock()
	if proc == nil {
		return protocol.E(protocol.CodeProcessNotActive, "no execution in progress")
	}
	proc.killed.Store(true)
	proc.cancel()
	e.logger.Info("kill requested", zap.String("project_id", projectID))
	return nil
}

// Active reports whether an execution is tracked for the project.
func (e *Executor) Active(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[projectID] != nil
}

// ActiveCount returns the number of running executions.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown rejects new executions, signals every running process, and waits
// for them to finish or for ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for id, proc := range e.active {
		proc.killed.Store(true)
		proc.cancel()
		e.logger.Info("terminating execution for shutdown", zap.String("project_id", id))
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) appendLog(p *models.Project, msg models.TimestampedMessage) {
	if p.MessageLog == nil {
		return
	}
	if err := p.MessageLog.Append(msg); err != nil {
		e.logger.Warn("failed to append to message log",
			zap.String("project_id", p.ID), zap.Error(err))
	}
}

func executePayload(req protocol.ExecuteRequest) json.RawMessage {
	raw, err := json.Marshal(req)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
