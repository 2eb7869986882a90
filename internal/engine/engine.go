// Package engine implements the session operations behind the control API:
// starting a profile, stopping it and reporting status.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/metrics"
	"github.com/rennerdo30/tunnelkeeper/internal/monitor"
	"github.com/rennerdo30/tunnelkeeper/internal/openvpn"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

var (
	// ErrInvalidRequest is returned for start requests missing a field.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("daemon is shutting down")
)

// Start results recorded in metrics.
const (
	resultStarted        = "started"
	resultAlreadyRunning = "already_running"
	resultSpawnFailed    = "spawn_failed"
	resultStopped        = "stopped"
)

// Spawner launches and terminates VPN processes.
type Spawner interface {
	Spawn(ctx context.Context, req openvpn.SpawnRequest) (*openvpn.Process, error)
	Terminate(p *openvpn.Process) error
}

// Config holds the engine's collaborators.
type Config struct {
	Registry   *session.Registry
	Supervisor Spawner
	Monitor    *monitor.Monitor
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// StartRequest asks for a profile to be brought up.
type StartRequest struct {
	ProfileID  string
	ConfigPath string
	Password   string
}

// Engine coordinates the registry, the supervisor and the log monitor.
type Engine struct {
	registry   *session.Registry
	supervisor Spawner
	monitor    *monitor.Monitor
	metrics    *metrics.Collector
	logger     *slog.Logger

	mu       sync.Mutex
	closing  bool
	monitors sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("engine")
	}
	return &Engine{
		registry:   cfg.Registry,
		supervisor: cfg.Supervisor,
		monitor:    cfg.Monitor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

func (e *Engine) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// Registry returns the session registry.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Start brings up a profile and returns its initial view without waiting
// for the tunnel. If the profile is already running the existing view is
// returned together with an error matching session.ErrAlreadyRunning.
func (e *Engine) Start(ctx context.Context, req StartRequest) (session.View, error) {
	if req.ProfileID == "" {
		return session.View{}, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	if req.ConfigPath == "" {
		return session.View{}, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}
	if e.isClosing() {
		return session.View{}, ErrShuttingDown
	}

	logger := e.logger.With("profile_id", req.ProfileID)

	rec, err := e.registry.Reserve(req.ProfileID)
	if err != nil {
		var running *session.AlreadyRunningError
		if errors.As(err, &running) {
			e.metrics.RecordSessionStart(resultAlreadyRunning)
			logger.Debug("profile already running", "status", running.View.Status)
			return running.View, err
		}
		return session.View{}, err
	}
	logger = logger.With("session_id", rec.SessionID())
	ctx = logging.ContextWith(ctx, "profile_id", req.ProfileID, "session_id", rec.SessionID())

	profile, err := openvpn.InspectProfile(req.ConfigPath)
	if err == nil {
		err = profile.Validate()
	}
	if err != nil {
		return e.abortStart(rec, logger, fmt.Errorf("%w: %w", openvpn.ErrSpawnFailed, err))
	}

	proc, err := e.supervisor.Spawn(ctx, openvpn.SpawnRequest{
		ProfileID:  req.ProfileID,
		ConfigPath: req.ConfigPath,
		Password:   req.Password,
	})
	if err != nil {
		return e.abortStart(rec, logger, err)
	}

	// A stop that arrived while spawning is honored here. AttachHandle
	// reads the flag under the lock RequestStop sets it with.
	view := e.registry.View(rec)
	if e.registry.AttachHandle(rec, proc) || !e.launchMonitor(rec, proc) {
		logger.Info("stop requested during start, terminating")
		if err := proc.Close(); err != nil {
			logger.Debug("failed to close process output", "error", err)
		}
		if err := e.supervisor.Terminate(proc); err != nil {
			logger.Warn("failed to terminate process", "error", err)
		}
		proc.RemoveAuthFile()
		e.registry.SetStatus(rec, session.StatusDisconnected)
		view = e.registry.View(rec)
		e.registry.Remove(rec)
		e.metrics.RecordSessionStart(resultStopped)
		return view, nil
	}

	logger.Info("session started",
		"pid", proc.Pid(),
		"remote", profile.PrimaryRemote(),
	)
	return view, nil
}

// launchMonitor runs the monitor for rec in its own goroutine. It returns
// false once Shutdown has begun.
func (e *Engine) launchMonitor(rec *session.Record, proc *openvpn.Process) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closing {
		return false
	}
	e.metrics.RecordSessionStart(resultStarted)
	e.monitors.Add(1)
	go func() {
		defer e.monitors.Done()
		e.monitor.Run(rec, proc)
	}()
	return true
}

func (e *Engine) abortStart(rec *session.Record, logger *slog.Logger, err error) (session.View, error) {
	e.registry.Remove(rec)
	e.metrics.RecordSessionStart(resultSpawnFailed)
	logger.Error("failed to start session", "error", err)
	return session.View{}, err
}

// Stop requests the profile to stop and terminates its process if one is
// running. Stopping an unknown profile is not an error. The record leaves
// the registry once the monitor observed the exit.
func (e *Engine) Stop(ctx context.Context, profileID string) error {
	h, found := e.registry.RequestStop(profileID)
	if !found {
		return nil
	}

	logger := e.logger.With("profile_id", profileID)
	if h == nil {
		// The start path sees the flag right after spawning.
		logger.Debug("stop requested before process spawn")
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- h.Terminate() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn("failed to terminate process", "pid", h.Pid(), "error", err)
			return fmt.Errorf("stop %s: %w", profileID, err)
		}
		logger.Info("session stopped", "pid", h.Pid())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of all sessions keyed by profile id.
func (e *Engine) Status() map[string]session.View {
	return e.registry.Snapshot()
}

// Log returns the output log of a profile's latest session.
func (e *Engine) Log(profileID string) ([]byte, error) {
	return monitor.ReadLog(e.monitor.LogDir(), profileID)
}

// ClearLog deletes the output log of a profile.
func (e *Engine) ClearLog(profileID string) error {
	return monitor.ClearLog(e.monitor.LogDir(), profileID)
}

// Shutdown stops every session and waits for their monitors to finish or
// ctx to expire. Start fails with ErrShuttingDown afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	ids := e.registry.IDs()
	if len(ids) > 0 {
		e.logger.Info("stopping sessions", "count", len(ids))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := e.Stop(ctx, id); err != nil {
				e.logger.Warn("failed to stop session", "profile_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		e.monitors.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session monitors: %w", ctx.Err())
	}
}
