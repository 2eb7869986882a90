package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelkeeper/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, mutate func(*config.DaemonConfig)) string {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultDaemonConfig()
	cfg.OpenVPN.AuthDir = filepath.Join(dir, "auth")
	cfg.Monitor.LogDir = filepath.Join(dir, "logs")
	if mutate != nil {
		mutate(&cfg)
	}

	path := filepath.Join(dir, "tunnelkeeper.yaml")
	require.NoError(t, config.Save(path, &cfg))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tunnelkeeper")
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, nil)

	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	bad := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.API.Listen = "0.0.0.0:9770"
	})
	_, err = execute(t, "--config", bad, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
}

func TestValidateCommand_MissingExplicitFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "validate")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelkeeper.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration written to")

	var cfg config.DaemonConfig
	require.NoError(t, config.Load(path, &cfg))
	assert.Equal(t, config.DefaultDaemonConfig().API.Listen, cfg.API.Listen)

	_, err = execute(t, "--config", path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)
}

func TestResetNetworkCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX true/false")
	}

	disabled := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.NetworkReset.Enabled = false
	})
	_, err := execute(t, "--config", disabled, "reset-network")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	ok := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.NetworkReset.Enabled = true
		cfg.NetworkReset.Commands = [][]string{{"true"}, {"true"}}
	})
	out, err := execute(t, "--config", ok, "reset-network")
	require.NoError(t, err)
	assert.Contains(t, out, "Network reset complete")

	failing := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.NetworkReset.Enabled = true
		cfg.NetworkReset.Commands = [][]string{{"false"}, {"true"}}
	})
	_, err = execute(t, "--config", failing, "reset-network")
	assert.Error(t, err)
}

func TestAdaptersCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX echo")
	}

	path := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.Adapters.Command = []string{"echo", "Description . . . : TAP-Windows Adapter V9"}
	})
	out, err := execute(t, "--config", path, "adapters")
	require.NoError(t, err)
	assert.Contains(t, out, "Used: 1")
	assert.Contains(t, out, "Available: 1")

	missing := writeConfig(t, func(cfg *config.DaemonConfig) {
		cfg.Adapters.Command = []string{filepath.Join(t.TempDir(), "no-such-binary")}
	})
	_, err = execute(t, "--config", missing, "adapters")
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"run"},
		{"version"},
		{"validate"},
		{"config", "init"},
		{"service", "install"},
		{"service", "uninstall"},
		{"service", "status"},
		{"reset-network"},
		{"adapters"},
		{"ctl", "start"},
		{"ctl", "stop"},
		{"ctl", "status"},
		{"ctl", "log"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestMain(m *testing.M) {
	// Keep TUNNELKEEPER_* variables of the developer's shell out of the
	// configuration under test.
	for _, kv := range os.Environ() {
		if key, _, _ := strings.Cut(kv, "="); strings.HasPrefix(key, "TUNNELKEEPER_") {
			os.Unsetenv(key)
		}
	}
	os.Exit(m.Run())
}
