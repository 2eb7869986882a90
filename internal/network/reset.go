package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/metrics"
	"github.com/rennerdo30/tunnelkeeper/internal/util"
)

// ErrResetCommandFailed wraps the failure of a single reset step.
var ErrResetCommandFailed = errors.New("reset command failed")

// DefaultResetCommands returns the Windows networking reset sequence:
// route flush, DHCP release and renew, ARP flush, NetBIOS cache reset
// twice, DNS flush and DNS re-registration.
func DefaultResetCommands() [][]string {
	return [][]string{
		{"route", "-f"},
		{"ipconfig", "/release"},
		{"ipconfig", "/renew"},
		{"arp", "-d", "*"},
		{"nbtstat", "-R"},
		{"nbtstat", "-RR"},
		{"ipconfig", "/flushdns"},
		{"nbtstat", "/registerdns"},
	}
}

// ResetConfig holds network reset configuration.
type ResetConfig struct {
	Commands [][]string
	Timeout  time.Duration // per command
	Runner   CommandRunner
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Resetter runs the network reset sequence. Runs never overlap.
type Resetter struct {
	commands [][]string
	timeout  time.Duration
	runner   CommandRunner
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu sync.Mutex
}

// NewResetter creates a resetter.
func NewResetter(cfg ResetConfig) *Resetter {
	if cfg.Commands == nil {
		cfg.Commands = DefaultResetCommands()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("network-reset")
	}
	return &Resetter{
		commands: cfg.Commands,
		timeout:  cfg.Timeout,
		runner:   cfg.Runner,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Reset runs every command in order. A failing command is logged and the
// sequence continues; the returned error aggregates all failures.
func (r *Resetter) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	errs := util.NewMultiError()
	var failed []string

	for _, command := range r.commands {
		if len(command) == 0 {
			continue
		}
		name := strings.Join(command, " ")
		if err := r.run(ctx, command); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrResetCommandFailed, name, err)
			r.logger.Warn("network reset step failed", "command", name, "error", err)
			errs.Add(err)
			failed = append(failed, name)
			continue
		}
		r.logger.Debug("network reset step done", "command", name)
	}

	r.metrics.RecordNetworkReset(failed)
	r.logger.Info("network reset finished",
		"steps", len(r.commands),
		"failed", len(failed),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return errs.Err()
}

func (r *Resetter) run(ctx context.Context, command []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.runner.Run(ctx, command[0], command[1:]...)
	return err
}
