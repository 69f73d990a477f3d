//go:build !windows

package standalone

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSendStop(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	d := NewDriver("echo-driver", "cat", nil, func(name string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data...)
	})

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.Running())

	assert.True(t, d.ToggleListening())
	require.NoError(t, d.Send([]byte("ping\n")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, "ping\n", string(got))
	mu.Unlock()

	require.NoError(t, d.Stop(context.Background()))
	assert.False(t, d.Running())
}

func TestDoubleStartFails(t *testing.T) {
	d := NewDriver("cat", "cat", nil, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	assert.ErrorContains(t, d.Start(context.Background()), "already started")
}

func TestStopBeforeStartFails(t *testing.T) {
	d := NewDriver("cat", "cat", nil, nil)
	assert.ErrorContains(t, d.Stop(context.Background()), "never started")
}

func TestSendWhileStoppedFails(t *testing.T) {
	d := NewDriver("cat", "cat", nil, nil)
	assert.ErrorContains(t, d.Send([]byte("x")), "not running")
}

func TestRestartAfterExternalKill(t *testing.T) {
	d := NewDriver("cat", "cat", nil, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	d.mu.Lock()
	pid := d.cmd.Process.Pid
	d.mu.Unlock()
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	// The supervisor notices the death within a couple of ticks and
	// restarts the same command under the same name.
	deadline := time.Now().Add(2 * time.Second)
	restarted := false
	for time.Now().Before(deadline) {
		d.mu.Lock()
		cur := -1
		if d.cmd != nil && d.cmd.Process != nil {
			cur = d.cmd.Process.Pid
		}
		d.mu.Unlock()
		if cur > 0 && cur != pid && d.Running() {
			restarted = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.True(t, restarted, "driver was not restarted after external kill")
	assert.Equal(t, "cat", d.Name())
}

func TestStartFailureReported(t *testing.T) {
	d := NewDriver("ghost", "/nonexistent/driver/binary", nil, nil)
	err := d.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start driver")
	assert.False(t, d.Running())

	// A failed start leaves nothing to stop.
	assert.ErrorContains(t, d.Stop(context.Background()), "never started")
}

func TestParseCommand(t *testing.T) {
	parts, err := ParseCommand("focuser:move:250")
	require.NoError(t, err)
	assert.Equal(t, []string{"focuser", "move", "250"}, parts)

	parts, err = ParseCommand("focuser:halt")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	_, err = ParseCommand("focuser")
	assert.ErrorContains(t, err, "want 2 or 3 parts")

	_, err = ParseCommand("a:b:c:d")
	assert.ErrorContains(t, err, "want 2 or 3 parts")

	_, err = ParseCommand("a::c")
	assert.ErrorContains(t, err, "empty part")
}

func TestProxyLifecycle(t *testing.T) {
	p := NewProxy(context.Background(), "astro.guider", "cat", nil, nil)
	assert.Equal(t, "astro.guider", p.Name())

	require.NoError(t, p.Initialize())
	assert.True(t, p.Driver().Running())
	require.NoError(t, p.Destroy())
	assert.False(t, p.Driver().Running())
}
