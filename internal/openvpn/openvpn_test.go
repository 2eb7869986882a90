package openvpn

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/openvpn/openvpntest"
)

func TestMain(m *testing.M) {
	openvpntest.Main()
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, stopTimeout time.Duration) (*Supervisor, string) {
	t.Helper()
	authDir := t.TempDir()
	return NewSupervisor(SupervisorConfig{
		Binary:      openvpntest.Binary(),
		AuthDir:     authDir,
		StopTimeout: stopTimeout,
		Env:         openvpntest.Env(),
	}), authDir
}

func TestInspectProfile(t *testing.T) {
	content := `# OpenVPN profile
client
dev tun
proto udp
remote vpn.example.com 1194 udp
remote backup.example.com 443 tcp
auth-user-pass
<ca>
-----BEGIN CERTIFICATE-----
remote inside.cert.example.com 1
-----END CERTIFICATE-----
</ca>
verb 3
`
	path := filepath.Join(t.TempDir(), "client.ovpn")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	profile, err := InspectProfile(path)
	require.NoError(t, err)

	assert.Equal(t, path, profile.Path)
	assert.Equal(t, "udp", profile.Protocol)
	assert.Equal(t, "tun", profile.Dev)
	assert.True(t, profile.AuthUserPass)

	require.Len(t, profile.Remotes, 2)
	assert.Equal(t, Remote{Host: "vpn.example.com", Port: 1194, Protocol: "udp"}, profile.Remotes[0])
	assert.Equal(t, Remote{Host: "backup.example.com", Port: 443, Protocol: "tcp"}, profile.Remotes[1])
	assert.Equal(t, "vpn.example.com:1194", profile.PrimaryRemote())
}

func TestInspectProfile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.ovpn")
	require.NoError(t, os.WriteFile(path, []byte("proto tcp\nremote server.example.com\n; comment\nremote\n"), 0644))

	profile, err := InspectProfile(path)
	require.NoError(t, err)

	assert.False(t, profile.AuthUserPass)
	require.Len(t, profile.Remotes, 1)
	assert.Equal(t, 1194, profile.Remotes[0].Port)
	assert.Equal(t, "tcp", profile.Remotes[0].Protocol)
}

func TestInspectProfile_NotFound(t *testing.T) {
	_, err := InspectProfile(filepath.Join(t.TempDir(), "missing.ovpn"))
	assert.Error(t, err)
}

func TestProfile_Validate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.ovpn")
	require.NoError(t, os.WriteFile(path, []byte("client\n"), 0644))

	assert.NoError(t, (&Profile{Path: path}).Validate())
	assert.Error(t, (&Profile{}).Validate())
	assert.Error(t, (&Profile{Path: filepath.Join(dir, "missing.ovpn")}).Validate())
	assert.Error(t, (&Profile{Path: dir}).Validate())
	assert.Empty(t, (&Profile{Path: path}).PrimaryRemote())
}

func TestCreateAuthFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "auth")

	path, err := CreateAuthFile(dir, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pritunl\ns3cret\n", string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	require.NoError(t, removeAuthFile(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, removeAuthFile(path), "removing twice is not an error")
	assert.NoError(t, removeAuthFile(""))
}

func TestArgs(t *testing.T) {
	assert.Equal(t, []string{"--config", "/p.ovpn"}, Args("/p.ovpn", ""))
	assert.Equal(t, []string{"--config", "/p.ovpn", "--auth-user-pass", "/a"}, Args("/p.ovpn", "/a"))
}

func TestSpawn_MergedOutput(t *testing.T) {
	sup, _ := newTestSupervisor(t, time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "first line", "second line")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)
	assert.Equal(t, "p1", p.ProfileID())
	assert.Empty(t, p.AuthFile())

	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(out))

	// EOF is only delivered after the process was reaped.
	assert.True(t, p.Exited())
	assert.NoError(t, p.ExitErr())
	assert.False(t, p.Alive(context.Background()))
}

func TestSpawn_ExitCode(t *testing.T) {
	sup, _ := newTestSupervisor(t, time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "exit 3")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)

	_, err = io.ReadAll(p.Output())
	require.NoError(t, err)
	assert.Error(t, p.ExitErr())
}

func TestSpawn_WritesCredentials(t *testing.T) {
	sup, authDir := newTestSupervisor(t, time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "print-auth")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile, Password: "hunter2"})
	require.NoError(t, err)

	authFile := p.AuthFile()
	require.NotEmpty(t, authFile)
	assert.Equal(t, authDir, filepath.Dir(authFile))

	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	assert.Equal(t, "pritunl\nhunter2\n", string(out))

	p.RemoveAuthFile()
	assert.NoFileExists(t, authFile)
	assert.Empty(t, p.AuthFile())
	p.RemoveAuthFile()
}

func TestSpawn_Failure(t *testing.T) {
	authDir := t.TempDir()
	sup := NewSupervisor(SupervisorConfig{
		Binary:  filepath.Join(t.TempDir(), "no-such-openvpn"),
		AuthDir: authDir,
	})
	profile := filepath.Join(t.TempDir(), "p.ovpn")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile, Password: "pw"})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrSpawnFailed)

	entries, err := os.ReadDir(authDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "credential file must not outlive a failed spawn")
}

func TestSpawn_Rejects(t *testing.T) {
	sup, _ := newTestSupervisor(t, time.Second)

	_, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1"})
	assert.ErrorIs(t, err, ErrSpawnFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sup.Spawn(ctx, SpawnRequest{ProfileID: "p1", ConfigPath: "/x.ovpn"})
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminate(t *testing.T) {
	sup, _ := newTestSupervisor(t, 2*time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "ready", "sleep")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)

	reader := bufio.NewReader(p.Output())
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ready\n", line)

	assert.False(t, p.Exited())
	assert.True(t, p.Alive(context.Background()))

	require.NoError(t, sup.Terminate(p))
	assert.True(t, p.Exited())

	// Termination closes the stream.
	_, err = reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)

	assert.NoError(t, p.Terminate())
	assert.NoError(t, sup.Terminate(nil))
}

func TestTerminate_KillsAfterTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM is not delivered on windows")
	}

	sup, _ := newTestSupervisor(t, 200*time.Millisecond)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "ignore-term", "ready", "sleep")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)

	// "ready" is printed after the script started ignoring SIGTERM.
	reader := bufio.NewReader(p.Output())
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)
	go func() { _, _ = io.Copy(io.Discard, reader) }()

	start := time.Now()
	require.NoError(t, sup.Terminate(p))
	assert.True(t, p.Exited())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestProcess_Close(t *testing.T) {
	sup, _ := newTestSupervisor(t, time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "line one", "line two", "sleep")

	p, err := sup.Spawn(context.Background(), SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)

	// Nobody reads; closing the stream must not keep the process from
	// being reaped after termination.
	require.NoError(t, p.Close())
	require.NoError(t, sup.Terminate(p))
	assert.True(t, p.Exited())
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestSpawn_LogsWithSessionLogger(t *testing.T) {
	sup, _ := newTestSupervisor(t, time.Second)
	profile := openvpntest.WriteProfile(t, t.TempDir(), "hello")

	var buf syncBuffer
	ctx := logging.WithContext(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))
	ctx = logging.ContextWith(ctx, "profile_id", "p1", "session_id", "s-1")

	p, err := sup.Spawn(ctx, SpawnRequest{ProfileID: "p1", ConfigPath: profile})
	require.NoError(t, err)
	_, err = io.ReadAll(p.Output())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "openvpn started")
	assert.Contains(t, out, "profile_id=p1")
	assert.Contains(t, out, "session_id=s-1")
	assert.Contains(t, out, "component=supervisor")
}
