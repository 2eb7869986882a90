package openvpn

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is a running OpenVPN subprocess. Its stdout and stderr are merged
// into a single stream returned by Output.
type Process struct {
	profileID string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *io.PipeReader
	done      chan struct{}
	exitErr   error // written before done is closed
	logger    *slog.Logger

	authMu   sync.Mutex
	authFile string

	supervisor *Supervisor
	termOnce   sync.Once
	termErr    error
}

func newProcess(s *Supervisor, profileID string, cmd *exec.Cmd, output *io.PipeReader, authFile string, logger *slog.Logger) *Process {
	return &Process{
		profileID:  profileID,
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		output:     output,
		done:       make(chan struct{}),
		authFile:   authFile,
		logger:     logger,
		supervisor: s,
	}
}

// wait reaps the subprocess, then closes the output stream so readers see
// EOF only after Exited reports true.
func (p *Process) wait(w *io.PipeWriter) {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)
	w.Close()

	p.logger.Debug("openvpn exited",
		"pid", p.pid,
		"uptime", time.Since(p.startedAt).Round(time.Millisecond),
		"error", err,
	)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.pid
}

// ProfileID returns the profile the process was started for.
func (p *Process) ProfileID() string {
	return p.profileID
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Output returns the merged stdout/stderr stream.
func (p *Process) Output() io.Reader {
	return p.output
}

// Done is closed once the subprocess has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the subprocess has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from waiting on the process. It is only
// meaningful after Done is closed.
func (p *Process) ExitErr() error {
	if !p.Exited() {
		return nil
	}
	return p.exitErr
}

// Alive asks the operating system whether the process still exists.
func (p *Process) Alive(ctx context.Context) bool {
	if p.Exited() {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(p.pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		return true
	}
	return exists
}

// AuthFile returns the credential file path, or "" once it was removed.
func (p *Process) AuthFile() string {
	p.authMu.Lock()
	defer p.authMu.Unlock()
	return p.authFile
}

// RemoveAuthFile deletes the credential file if it still exists. It is safe
// to call more than once.
func (p *Process) RemoveAuthFile() {
	p.authMu.Lock()
	path := p.authFile
	p.authFile = ""
	p.authMu.Unlock()

	if err := removeAuthFile(path); err != nil {
		p.logger.Warn("failed to remove auth file", "path", path, "error", err)
	}
}

// Terminate stops the process through the supervisor that spawned it.
func (p *Process) Terminate() error {
	return p.supervisor.Terminate(p)
}

// Close discards any unread output so a stalled reader cannot keep the
// process's output copier blocked.
func (p *Process) Close() error {
	return p.output.Close()
}
