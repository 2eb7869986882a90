package network

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tunnelkeeper/internal/util"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
	if r.fail[cmd] || r.fail["*"] {
		return nil, errors.New("exit status 1")
	}
	return nil, nil
}

func TestResetter_RunsSequenceInOrder(t *testing.T) {
	runner := &recordingRunner{}
	r := NewResetter(ResetConfig{Runner: runner})

	require.NoError(t, r.Reset(context.Background()))
	assert.Equal(t, []string{
		"route -f",
		"ipconfig /release",
		"ipconfig /renew",
		"arp -d *",
		"nbtstat -R",
		"nbtstat -RR",
		"ipconfig /flushdns",
		"nbtstat /registerdns",
	}, runner.calls)
}

func TestResetter_ContinuesAfterFailures(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"route -f": true, "nbtstat -R": true}}
	r := NewResetter(ResetConfig{Runner: runner})

	err := r.Reset(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 8, "every step runs even when earlier ones fail")
	assert.ErrorIs(t, err, ErrResetCommandFailed)

	var multi *util.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Equal(t, 2, multi.Len())
	assert.Contains(t, err.Error(), "route -f")
	assert.Contains(t, err.Error(), "nbtstat -R")
}

func TestResetter_AllFail(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"*": true}}
	r := NewResetter(ResetConfig{Runner: runner})

	err := r.Reset(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 8)

	var multi *util.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Equal(t, 8, multi.Len())
}

func TestResetter_CustomCommands(t *testing.T) {
	runner := &recordingRunner{}
	r := NewResetter(ResetConfig{
		Commands: [][]string{{"resolvectl", "flush-caches"}, {}},
		Runner:   runner,
	})

	require.NoError(t, r.Reset(context.Background()))
	assert.Equal(t, []string{"resolvectl flush-caches"}, runner.calls)
}

func TestResetter_Serialized(t *testing.T) {
	runner := &recordingRunner{}
	r := NewResetter(ResetConfig{Runner: runner})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Reset(context.Background())
		}()
	}
	wg.Wait()

	require.Len(t, runner.calls, 32)
	// Runs never interleave: each block of eight is a full sequence.
	for i := 0; i < 32; i += 8 {
		assert.Equal(t, "route -f", runner.calls[i])
		assert.Equal(t, "nbtstat /registerdns", runner.calls[i+7])
	}
}

func TestExecRunner(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "tunnelkeeper-no-such-command")
	assert.Error(t, err)
}
