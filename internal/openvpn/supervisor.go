package openvpn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
)

// ErrSpawnFailed is returned when the OpenVPN process could not be started.
var ErrSpawnFailed = errors.New("spawn failed")

// DefaultStopTimeout is how long Terminate waits after interrupting the
// process before killing it.
const DefaultStopTimeout = 5 * time.Second

// SupervisorConfig holds configuration for the process supervisor.
type SupervisorConfig struct {
	Binary      string
	WorkDir     string // defaults to the binary's directory
	AuthDir     string // where credential files are written
	StopTimeout time.Duration
	Env         []string // extra environment entries
}

// SpawnRequest describes one process launch.
type SpawnRequest struct {
	ProfileID  string
	ConfigPath string
	Password   string
}

// Supervisor starts and stops OpenVPN processes.
type Supervisor struct {
	binary      string
	workDir     string
	authDir     string
	stopTimeout time.Duration
	env         []string
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "openvpn"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = binaryDir(cfg.Binary)
	}

	return &Supervisor{
		binary:      cfg.Binary,
		workDir:     cfg.WorkDir,
		authDir:     cfg.AuthDir,
		stopTimeout: cfg.StopTimeout,
		env:         cfg.Env,
	}
}

// binaryDir resolves the directory the binary lives in.
func binaryDir(binary string) string {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return filepath.Dir(abs)
}

// Args builds the OpenVPN command line for a profile.
func Args(configPath, authFile string) []string {
	args := []string{"--config", configPath}
	if authFile != "" {
		args = append(args, "--auth-user-pass", authFile)
	}
	return args
}

// Spawn launches OpenVPN for the request and returns without waiting for the
// tunnel to come up. The process is not tied to ctx; it runs until it exits
// or Terminate is called. Process events are logged with the session logger
// carried by ctx (see logging.ContextWith).
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if req.ConfigPath == "" {
		return nil, fmt.Errorf("%w: profile path is required", ErrSpawnFailed)
	}

	logger := logging.FromContext(ctx).With("component", "supervisor")

	var authFile string
	if req.Password != "" {
		path, err := CreateAuthFile(s.authDir, req.Password)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
		authFile = path
	}

	cmd := exec.Command(s.binary, Args(req.ConfigPath, authFile)...) //nolint:gosec // G204: binary path comes from daemon config
	cmd.Dir = s.workDir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.WaitDelay = s.stopTimeout
	setProcAttr(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		if rmErr := removeAuthFile(authFile); rmErr != nil {
			logger.Warn("failed to remove auth file", "path", authFile, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawnFailed, s.binary, err)
	}

	p := newProcess(s, req.ProfileID, cmd, pr, authFile, logger)
	go p.wait(pw)

	logger.Info("openvpn started",
		"pid", p.Pid(),
		"config", req.ConfigPath,
		"auth", authFile != "",
	)
	return p, nil
}

// Terminate interrupts the process, waits up to the stop timeout for it to
// exit, then kills it. Processes OpenVPN started that outlive it are killed
// as well. It returns once the process has been reaped or the kill grace
// period expired, and is safe to call more than once.
func (s *Supervisor) Terminate(p *Process) error {
	if p == nil {
		return nil
	}
	p.termOnce.Do(func() {
		p.termErr = s.terminate(p)
	})
	return p.termErr
}

func (s *Supervisor) terminate(p *Process) error {
	if p.Exited() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	// Children are reparented once OpenVPN is gone, so list them first.
	children := descendants(ctx, int32(p.pid)) //nolint:gosec // G115: pids fit in int32

	err := s.stop(p)

	if len(children) > 0 {
		killCtx, killCancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer killCancel()
		if n := killSurvivors(killCtx, children, p.logger); n > 0 {
			p.logger.Warn("openvpn left processes behind", "killed", n)
		}
	}
	return err
}

func (s *Supervisor) stop(p *Process) error {
	if err := interrupt(p.cmd.Process); err != nil {
		p.logger.Debug("interrupt failed, killing", "pid", p.pid, "error", err)
	} else {
		select {
		case <-p.done:
			p.logger.Info("openvpn stopped", "pid", p.pid)
			return nil
		case <-time.After(s.stopTimeout):
			p.logger.Warn("openvpn did not exit in time, killing", "pid", p.pid, "timeout", s.stopTimeout)
		}
	}

	if err := kill(p.cmd.Process); err != nil && !p.Exited() {
		return fmt.Errorf("kill openvpn %d: %w", p.pid, err)
	}

	select {
	case <-p.done:
		p.logger.Info("openvpn killed", "pid", p.pid)
		return nil
	case <-time.After(s.stopTimeout):
		return fmt.Errorf("openvpn %d did not exit after kill", p.pid)
	}
}
