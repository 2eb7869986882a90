package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelkeeper/internal/network"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "tunnelkeeper.yaml")

	content := `
api:
  listen: "127.0.0.1:9999"
openvpn:
  binary: /usr/sbin/openvpn
  stop_timeout: 2s
monitor:
  poll_interval: 250ms
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	cfg := DefaultDaemonConfig()
	require.NoError(t, Load(configFile, &cfg))

	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.Equal(t, "/usr/sbin/openvpn", cfg.OpenVPN.Binary)
	assert.Equal(t, 2*time.Second, cfg.OpenVPN.StopTimeout.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.PollInterval.Duration())
	// untouched sections keep their defaults
	assert.Equal(t, "TAP-Windows Adapter", cfg.Adapters.AdapterMarker)
	assert.Equal(t, network.DefaultResetCommands(), cfg.NetworkReset.Commands)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TK_TEST_BINARY", "/opt/openvpn/bin/openvpn")

	dir := t.TempDir()
	configFile := filepath.Join(dir, "tunnelkeeper.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("openvpn:\n  binary: ${TK_TEST_BINARY}\n"), 0644))

	cfg := DefaultDaemonConfig()
	require.NoError(t, Load(configFile, &cfg))
	assert.Equal(t, "/opt/openvpn/bin/openvpn", cfg.OpenVPN.Binary)
}

func TestLoad_Errors(t *testing.T) {
	var cfg DaemonConfig
	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("api: [not: valid"), 0644))
	assert.Error(t, Load(bad, &cfg))

	badDuration := filepath.Join(dir, "duration.yaml")
	require.NoError(t, os.WriteFile(badDuration, []byte("openvpn:\n  stop_timeout: soon\n"), 0644))
	assert.Error(t, Load(badDuration, &cfg))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TUNNELKEEPER_API_LISTEN", "127.0.0.1:9001")
	t.Setenv("TUNNELKEEPER_OPENVPN_STOP_TIMEOUT", "10s")
	t.Setenv("TUNNELKEEPER_ADAPTERS_ENABLED", "true")
	t.Setenv("TUNNELKEEPER_LOGGING_LEVEL", "debug")

	cfg := DefaultDaemonConfig()
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, "127.0.0.1:9001", cfg.API.Listen)
	assert.Equal(t, 10*time.Second, cfg.OpenVPN.StopTimeout.Duration())
	assert.True(t, cfg.Adapters.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "openvpn", cfg.OpenVPN.Binary)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tunnelkeeper.yaml")

	cfg := DefaultDaemonConfig()
	cfg.API.Listen = "127.0.0.1:9100"
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	var loaded DaemonConfig
	require.NoError(t, Load(path, &loaded))
	assert.Equal(t, cfg, loaded)
}

func TestDaemonConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*DaemonConfig)
		wantErr bool
	}{
		{name: "defaults", modify: func(*DaemonConfig) {}},
		{name: "localhost", modify: func(c *DaemonConfig) { c.API.Listen = "localhost:9770" }},
		{name: "ipv6 loopback", modify: func(c *DaemonConfig) { c.API.Listen = "[::1]:9770" }},
		{name: "all interfaces", modify: func(c *DaemonConfig) { c.API.Listen = ":9770" }, wantErr: true},
		{name: "public address", modify: func(c *DaemonConfig) { c.API.Listen = "0.0.0.0:9770" }, wantErr: true},
		{name: "missing port", modify: func(c *DaemonConfig) { c.API.Listen = "127.0.0.1" }, wantErr: true},
		{name: "negative connections", modify: func(c *DaemonConfig) { c.API.MaxConnections = -1 }, wantErr: true},
		{name: "no binary", modify: func(c *DaemonConfig) { c.OpenVPN.Binary = " " }, wantErr: true},
		{name: "no auth dir", modify: func(c *DaemonConfig) { c.OpenVPN.AuthDir = "" }, wantErr: true},
		{name: "zero stop timeout", modify: func(c *DaemonConfig) { c.OpenVPN.StopTimeout = 0 }, wantErr: true},
		{name: "no log dir", modify: func(c *DaemonConfig) { c.Monitor.LogDir = "" }, wantErr: true},
		{name: "zero poll interval", modify: func(c *DaemonConfig) { c.Monitor.PollInterval = 0 }, wantErr: true},
		{
			name: "adapters without command",
			modify: func(c *DaemonConfig) {
				c.Adapters.Enabled = true
				c.Adapters.Command = nil
			},
			wantErr: true,
		},
		{
			name: "adapters refresh too fast",
			modify: func(c *DaemonConfig) {
				c.Adapters.Enabled = true
				c.Adapters.RefreshInterval = Duration(10 * time.Millisecond)
			},
			wantErr: true,
		},
		{
			name: "adapters disabled ignores command",
			modify: func(c *DaemonConfig) {
				c.Adapters.Enabled = false
				c.Adapters.Command = nil
			},
		},
		{
			name: "reset with empty command",
			modify: func(c *DaemonConfig) {
				c.NetworkReset.Enabled = true
				c.NetworkReset.Commands = [][]string{{"route", "-f"}, {}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDaemonConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDaemonConfig(t *testing.T) {
	t.Run("optional missing file", func(t *testing.T) {
		cfg, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.yaml"), true)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9770", cfg.API.Listen)
	})

	t.Run("required missing file", func(t *testing.T) {
		_, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "missing.yaml"), false)
		assert.Error(t, err)
	})

	t.Run("invalid listen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tunnelkeeper.yaml")
		require.NoError(t, os.WriteFile(path, []byte("api:\n  listen: \"0.0.0.0:9770\"\n"), 0644))
		_, err := LoadDaemonConfig(path, false)
		assert.Error(t, err)
	})
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, d.UnmarshalJSON([]byte(`"later"`)))
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultDaemonConfig()
	cfg.API.Listen = "8.8.8.8:53"
	assert.Error(t, ValidateConfig(&cfg))
	assert.NoError(t, ValidateConfig(struct{}{}))
}
