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
)

// ErrEnumerationFailed is logged when the adapter listing command fails.
var ErrEnumerationFailed = errors.New("adapter enumeration failed")

// Defaults for Windows TAP adapters.
const (
	DefaultAdapterMarker      = "TAP-Windows Adapter"
	DefaultDisconnectedMarker = "Media disconnected"
	DefaultCommandTimeout     = 30 * time.Second
)

// DefaultAdapterCommand lists network adapters on Windows.
func DefaultAdapterCommand() []string {
	return []string{"ipconfig", "/all"}
}

// AdaptersConfig holds adapter accounting configuration.
type AdaptersConfig struct {
	Command            []string
	AdapterMarker      string
	DisconnectedMarker string
	Timeout            time.Duration
	Runner             CommandRunner
	Metrics            *metrics.Collector
	Logger             *slog.Logger
}

// Counts is a snapshot of the adapter counters.
type Counts struct {
	Used      int       `json:"used"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Adapters keeps the number of virtual adapters in use and available.
// Refreshes are serialized and readers wait for a running refresh.
type Adapters struct {
	command            []string
	adapterMarker      string
	disconnectedMarker string
	timeout            time.Duration
	runner             CommandRunner
	metrics            *metrics.Collector
	logger             *slog.Logger

	mu     sync.Mutex
	counts Counts
}

// NewAdapters creates adapter accounting with zero counters.
func NewAdapters(cfg AdaptersConfig) *Adapters {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultAdapterCommand()
	}
	if cfg.AdapterMarker == "" {
		cfg.AdapterMarker = DefaultAdapterMarker
	}
	if cfg.DisconnectedMarker == "" {
		cfg.DisconnectedMarker = DefaultDisconnectedMarker
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("adapters")
	}

	return &Adapters{
		command:            cfg.Command,
		adapterMarker:      cfg.AdapterMarker,
		disconnectedMarker: cfg.DisconnectedMarker,
		timeout:            cfg.Timeout,
		runner:             cfg.Runner,
		metrics:            cfg.Metrics,
		logger:             cfg.Logger,
	}
}

// Refresh enumerates adapters and updates the counters. On failure the
// error is logged and the previous counters are returned unchanged.
func (a *Adapters) Refresh(ctx context.Context) (used, available int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.runner.Run(ctx, a.command[0], a.command[1:]...)
	if err != nil {
		a.logger.Warn("failed to refresh adapters",
			"error", fmt.Errorf("%w: %w", ErrEnumerationFailed, err),
			"command", strings.Join(a.command, " "),
		)
		a.metrics.RecordAdapterRefreshError()
		return a.counts.Used, a.counts.Available
	}

	used, available = ParseAdapters(string(out), a.adapterMarker, a.disconnectedMarker)
	if used != a.counts.Used || available != a.counts.Available {
		a.logger.Info("adapter counts changed", "used", used, "available", available)
	}
	a.counts = Counts{Used: used, Available: available, UpdatedAt: time.Now()}
	a.metrics.RecordAdapters(used, available)
	return used, available
}

// Counts returns the counters from the last successful refresh.
func (a *Adapters) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// ParseAdapters counts adapter blocks in enumeration output. Blocks are
// separated by blank lines. A block containing adapterMarker is available,
// and also used unless it contains disconnectedMarker.
func ParseAdapters(output, adapterMarker, disconnectedMarker string) (used, available int) {
	for _, block := range splitBlocks(output) {
		if !strings.Contains(block, adapterMarker) {
			continue
		}
		available++
		if disconnectedMarker == "" || !strings.Contains(block, disconnectedMarker) {
			used++
		}
	}
	return used, available
}

func splitBlocks(output string) []string {
	output = strings.ReplaceAll(output, "\r\n", "\n")

	var blocks []string
	var cur strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			if cur.Len() > 0 {
				blocks = append(blocks, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}
