package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelkeeper/internal/config"
	"github.com/rennerdo30/tunnelkeeper/internal/network"
	"github.com/rennerdo30/tunnelkeeper/internal/openvpn/openvpntest"
	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

func TestMain(m *testing.M) {
	openvpntest.Main()
	os.Exit(m.Run())
}

const ipconfigOutput = `Windows IP Configuration

Ethernet adapter Local Area Connection:

   Media State . . . . . . . . . . . : Media disconnected
   Description . . . . . . . . . . . : TAP-Windows Adapter V9

Ethernet adapter Local Area Connection 2:

   Description . . . . . . . . . . . : TAP-Windows Adapter V9 #2
   IPv4 Address. . . . . . . . . . . : 10.8.0.6(Preferred)
`

func testConfig(t *testing.T) config.DaemonConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultDaemonConfig()
	cfg.API.Listen = "127.0.0.1:0"
	cfg.OpenVPN.Binary = openvpntest.Binary()
	cfg.OpenVPN.Env = openvpntest.Env()
	cfg.OpenVPN.AuthDir = filepath.Join(dir, "auth")
	cfg.OpenVPN.StopTimeout = config.Duration(2 * time.Second)
	cfg.Monitor.LogDir = filepath.Join(dir, "logs")
	cfg.Monitor.PollInterval = config.Duration(10 * time.Millisecond)
	cfg.Adapters.Enabled = false
	cfg.NetworkReset.Enabled = false
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"
	return cfg
}

func startDaemon(t *testing.T, cfg config.DaemonConfig) *Daemon {
	t.Helper()
	d := New(cfg, "", true)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func writeScript(t *testing.T, lines ...string) string {
	t.Helper()
	return openvpntest.WriteProfile(t, t.TempDir(), lines...)
}

func getJSON(t *testing.T, rawURL string, v interface{}) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestDaemon_Lifecycle(t *testing.T) {
	// Adapter and reset commands are plain children of the test binary and
	// need fake mode from the environment.
	t.Setenv(openvpntest.EnvFake, "1")

	cfg := testConfig(t)
	cfg.Adapters.Enabled = true
	cfg.Adapters.Command = []string{openvpntest.Binary(), "--config", writeScript(t, strings.Split(ipconfigOutput, "\n")...)}
	cfg.Adapters.RefreshInterval = config.Duration(time.Hour)
	cfg.NetworkReset.Enabled = true
	cfg.NetworkReset.Commands = [][]string{
		{openvpntest.Binary(), "--config", writeScript(t, "flushed")},
		{openvpntest.Binary()},
	}

	d := startDaemon(t, cfg)
	base := "http://" + d.Addr()

	profile := writeScript(t, "Initialization Sequence Completed", "sleep")
	resp, err := http.PostForm(base+"/start", url.Values{
		"id":     {"work"},
		"path":   {profile},
		"passwd": {"pw"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	require.Eventually(t, func() bool {
		var status map[string]session.View
		getJSON(t, base+"/status", &status)
		return status["work"].Status == session.StatusConnected
	}, 5*time.Second, 20*time.Millisecond)

	var counts network.Counts
	getJSON(t, base+"/adapters?refresh=1", &counts)
	assert.Equal(t, 1, counts.Used)
	assert.Equal(t, 2, counts.Available)

	resp, err = http.PostForm(base+"/network/reset", url.Values{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "tunnelkeeper_sessions_active 1")
	assert.Contains(t, string(body), "tunnelkeeper_network_resets_total 1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	assert.Empty(t, d.Engine().Status())
	assert.NoError(t, d.Stop(ctx))

	_, err = http.Get(base + "/status")
	assert.Error(t, err)
}

func TestDaemon_DisabledFeatures(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Metrics = false
	d := startDaemon(t, cfg)
	base := "http://" + d.Addr()

	for _, path := range []string{"/adapters", "/metrics"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestDaemon_StartTwice(t *testing.T) {
	d := startDaemon(t, testConfig(t))

	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
}

func TestDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Listen = "0.0.0.0:9770"

	d := New(cfg, "", true)
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Empty(t, d.Addr())
}

func TestDaemon_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.API.Listen = ln.Addr().String()

	d := New(cfg, "", true)
	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")

	// Stop on a daemon that never started is a no-op.
	assert.NoError(t, d.Stop(context.Background()))
}

func TestDaemon_ReloadConfig(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "tunnelkeeper.yaml")

	file := cfg
	file.Logging.Level = "debug"
	require.NoError(t, config.Save(path, &file))

	d := New(cfg, path, false)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	require.NoError(t, d.ReloadConfig())
	assert.Equal(t, "debug", d.cfg.Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging: [unclosed\n"), 0600))
	assert.Error(t, d.ReloadConfig())
	assert.Equal(t, "debug", d.cfg.Logging.Level)
}
