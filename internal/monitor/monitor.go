// Package monitor follows the output of a VPN process and drives its
// session through the connection state machine.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/metrics"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

// ErrStreamRead is logged when reading process output fails for a reason
// other than end of stream. The session is treated as disconnected.
var ErrStreamRead = errors.New("stream read error")

// DefaultPollInterval is the wait between liveness checks when the output
// stream is empty but the process is still running.
const DefaultPollInterval = 100 * time.Millisecond

// Process is the part of a supervised process the monitor needs.
type Process interface {
	Output() io.Reader
	Exited() bool
	Done() <-chan struct{}
	Alive(ctx context.Context) bool
	RemoveAuthFile()
	Terminate() error
	Close() error
}

// Config holds monitor configuration.
type Config struct {
	Registry     *session.Registry
	LogDir       string
	PollInterval time.Duration
	Rules        Classifier
	Metrics      *metrics.Collector
	Logger       *slog.Logger
}

// Monitor runs the per-session read loop. One Monitor serves every session.
type Monitor struct {
	registry     *session.Registry
	logDir       string
	pollInterval time.Duration
	rules        Classifier
	metrics      *metrics.Collector
	logger       *slog.Logger
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("monitor")
	}
	return &Monitor{
		registry:     cfg.Registry,
		logDir:       cfg.LogDir,
		pollInterval: cfg.PollInterval,
		rules:        cfg.Rules,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// LogDir returns the directory holding per-profile log files.
func (m *Monitor) LogDir() string {
	return m.logDir
}

// recordSink applies classified lines to a registry record.
type recordSink struct {
	m       *Monitor
	rec     *session.Record
	logger  *slog.Logger
	changed session.Status
}

func (s *recordSink) SetStatus(status session.Status) {
	if s.m.registry.SetStatus(s.rec, status) {
		s.changed = status
		s.m.metrics.RecordTransition(string(status))
		s.logger.Info("session status changed", "status", status)
	}
}

func (s *recordSink) SetServerAddr(addr string) {
	s.m.registry.SetServerAddr(s.rec, addr)
	s.logger.Debug("server address resolved", "server_addr", addr)
}

func (s *recordSink) SetClientAddr(addr string) {
	s.m.registry.SetClientAddr(s.rec, addr)
	s.logger.Debug("client address assigned", "client_addr", addr)
}

// Run reads p's output until the process exits, then finalizes the session
// and removes rec from the registry. It blocks for the lifetime of the
// process and is meant to run in its own goroutine.
func (m *Monitor) Run(rec *session.Record, p Process) {
	logger := m.logger.With("profile_id", rec.ProfileID(), "session_id", rec.SessionID())

	logFile, err := createLog(m.logDir, rec.ProfileID())
	if err != nil {
		logger.Warn("session log disabled", "error", err)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("monitor panic",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		m.cleanup(rec, p, logFile, logger)
	}()

	if err := m.readLoop(rec, p, logFile, logger); err != nil {
		logger.Warn("treating session as disconnected", "error", err)
	}
}

func (m *Monitor) readLoop(rec *session.Record, p Process, logFile *os.File, logger *slog.Logger) error {
	sink := &recordSink{m: m, rec: rec, logger: logger}
	reader := bufio.NewReader(p.Output())

	// pending holds a partial line while the process is still writing it.
	pending := ""
	emit := func(chunk string) {
		pending += chunk
		if pending != "" {
			m.handleLine(pending, sink, logFile, logger, p)
			pending = ""
		}
	}

	for {
		chunk, err := reader.ReadString('\n')
		if err == nil {
			emit(chunk)
			continue
		}

		if !errors.Is(err, io.EOF) {
			emit(chunk)
			return fmt.Errorf("%w: %w", ErrStreamRead, err)
		}
		pending += chunk

		if m.exited(p) {
			// Drain output written right before the exit.
			for {
				chunk, err := reader.ReadString('\n')
				if err != nil {
					emit(chunk)
					return nil
				}
				emit(chunk)
			}
		}

		// Nothing to read yet but the process is alive.
		select {
		case <-p.Done():
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Monitor) exited(p Process) bool {
	if p.Exited() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.pollInterval)
	defer cancel()
	return !p.Alive(ctx)
}

func (m *Monitor) handleLine(raw string, sink *recordSink, logFile *os.File, logger *slog.Logger, p Process) {
	if logFile != nil {
		line := raw
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if _, err := logFile.WriteString(line); err != nil {
			logger.Debug("session log write failed", "error", err)
		}
	}
	m.metrics.RecordLogLine()

	line := strings.TrimRight(raw, "\r\n")
	logger.Debug("openvpn", "line", line)

	sink.changed = ""
	rule := m.rules.Classify(line, sink)
	if rule == "" {
		return
	}

	// The credentials have been consumed once the server accepted or
	// rejected them.
	switch sink.changed {
	case session.StatusConnected, session.StatusAuthError:
		p.RemoveAuthFile()
	}
}

// cleanup finalizes the session. It runs exactly once per Run.
func (m *Monitor) cleanup(rec *session.Record, p Process, logFile *os.File, logger *slog.Logger) {
	// Nobody reads the output from here on. Closing it first keeps the
	// process's output copier from blocking the reap in Terminate.
	if err := p.Close(); err != nil {
		logger.Debug("failed to close process output", "error", err)
	}
	if !p.Exited() {
		if err := p.Terminate(); err != nil {
			logger.Warn("failed to terminate process", "error", err)
		}
	}
	p.RemoveAuthFile()

	if m.registry.SetStatus(rec, session.StatusDisconnected) {
		m.metrics.RecordTransition(string(session.StatusDisconnected))
	}
	final := m.registry.Status(rec)
	if m.registry.Remove(rec) {
		m.metrics.RecordSessionEnd(string(final), time.Since(rec.CreatedAt()))
	}

	if logFile != nil {
		if err := logFile.Close(); err != nil {
			logger.Debug("failed to close session log", "error", err)
		}
	}

	logger.Info("session ended", "status", final, "duration", time.Since(rec.CreatedAt()).Round(time.Second))
}
