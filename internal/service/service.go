// Package service runs the daemon in the foreground or under the platform
// service manager, and installs it as a system service.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/rennerdo30/tunnelkeeper/internal/network"
)

// DefaultName is the name the daemon is registered under.
const DefaultName = "tunnelkeeper"

// Status strings reported by Manager.Status.
const (
	StatusNotInstalled = "not installed"
	StatusRunning      = "installed (running)"
	StatusStopped      = "installed (stopped)"
)

// ErrUnsupportedPlatform is returned on platforms without a known service
// manager.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Config holds service installation configuration.
type Config struct {
	Name        string
	Description string
	BinaryPath  string
	ConfigPath  string // passed to the daemon with --config
	WorkingDir  string

	Platform string // overrides runtime.GOOS
	UnitDir  string // overrides the systemd unit directory
	Runner   network.CommandRunner
}

// Manager installs and removes the daemon as a system service.
type Manager struct {
	config Config
	runner network.CommandRunner
}

// New creates a new service manager. Paths are resolved to absolute ones
// because service managers do not start in the caller's directory.
func New(cfg Config) (*Manager, error) {
	for _, p := range []*string{&cfg.BinaryPath, &cfg.ConfigPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve path %s: %w", *p, err)
		}
		*p = abs
	}

	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Description == "" {
		cfg.Description = "Tunnelkeeper VPN session daemon"
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = "/etc/systemd/system"
	}

	runner := cfg.Runner
	if runner == nil {
		runner = network.ExecRunner{}
	}

	return &Manager{config: cfg, runner: runner}, nil
}

// Name returns the service name.
func (m *Manager) Name() string {
	return m.config.Name
}

// Install registers and enables the service.
func (m *Manager) Install(ctx context.Context) error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if m.config.ConfigPath != "" {
		if _, err := os.Stat(m.config.ConfigPath); err != nil {
			return fmt.Errorf("config not found: %s", m.config.ConfigPath)
		}
	}

	switch m.config.Platform {
	case "linux":
		return m.installSystemd(ctx)
	case "windows":
		return m.installWindows(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, m.config.Platform)
	}
}

// Uninstall stops and removes the service.
func (m *Manager) Uninstall(ctx context.Context) error {
	switch m.config.Platform {
	case "linux":
		return m.uninstallSystemd(ctx)
	case "windows":
		return m.uninstallWindows(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, m.config.Platform)
	}
}

// Status reports whether the service is installed and running.
func (m *Manager) Status(ctx context.Context) (string, error) {
	switch m.config.Platform {
	case "linux":
		return m.statusSystemd(ctx)
	case "windows":
		return m.statusWindows(ctx)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedPlatform, m.config.Platform)
	}
}

// Arguments returns the daemon command line the service manager runs.
func (m *Manager) Arguments() []string {
	args := []string{m.config.BinaryPath}
	if m.config.ConfigPath != "" {
		args = append(args, "--config", m.config.ConfigPath)
	}
	return append(args, "run")
}

// --- Linux (systemd) ---

// KillMode=mixed lets the daemon stop its OpenVPN children itself before
// systemd sends SIGKILL to the rest of the group.
var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
KillMode=mixed
TimeoutStopSec=45
Restart=on-failure
RestartSec=5
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`))

func (m *Manager) unitPath() string {
	return filepath.Join(m.config.UnitDir, m.config.Name+".service")
}

// Unit renders the systemd unit file.
func (m *Manager) Unit() (string, error) {
	data := struct {
		Config
		ExecStart string
	}{
		Config:    m.config,
		ExecStart: strings.Join(m.Arguments(), " "),
	}

	var buf bytes.Buffer
	if err := systemdTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return buf.String(), nil
}

func (m *Manager) installSystemd(ctx context.Context) error {
	unit, err := m.Unit()
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.unitPath(), []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	if err := m.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	return m.systemctl(ctx, "enable", m.config.Name)
}

func (m *Manager) uninstallSystemd(ctx context.Context) error {
	// Stop and disable fail when the unit is not loaded.
	_ = m.systemctl(ctx, "stop", m.config.Name)    //nolint:errcheck
	_ = m.systemctl(ctx, "disable", m.config.Name) //nolint:errcheck

	if err := os.Remove(m.unitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	return m.systemctl(ctx, "daemon-reload")
}

func (m *Manager) statusSystemd(ctx context.Context) (string, error) {
	if _, err := os.Stat(m.unitPath()); errors.Is(err, fs.ErrNotExist) {
		return StatusNotInstalled, nil
	}

	out, err := m.runner.Run(ctx, "systemctl", "is-active", m.config.Name)
	if err != nil {
		return StatusStopped, nil
	}
	if strings.TrimSpace(string(out)) == "active" {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (m *Manager) systemctl(ctx context.Context, args ...string) error {
	if out, err := m.runner.Run(ctx, "systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// --- Windows ---

func (m *Manager) installWindows(ctx context.Context) error {
	args := m.Arguments()
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = `"` + a + `"`
	}

	out, err := m.runner.Run(ctx, "sc", "create", m.config.Name,
		"binPath=", strings.Join(quoted, " "),
		"DisplayName=", m.config.Description,
		"start=", "auto")
	if err != nil {
		return fmt.Errorf("create service: %w: %s", err, strings.TrimSpace(string(out)))
	}

	_, _ = m.runner.Run(ctx, "sc", "description", m.config.Name, m.config.Description) //nolint:errcheck
	return nil
}

func (m *Manager) uninstallWindows(ctx context.Context) error {
	_, _ = m.runner.Run(ctx, "sc", "stop", m.config.Name) //nolint:errcheck

	if out, err := m.runner.Run(ctx, "sc", "delete", m.config.Name); err != nil {
		return fmt.Errorf("delete service: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) statusWindows(ctx context.Context) (string, error) {
	out, err := m.runner.Run(ctx, "sc", "query", m.config.Name)
	if err != nil {
		return StatusNotInstalled, nil
	}

	if strings.Contains(string(out), "RUNNING") {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}
