//go:build !windows

package driverfn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/modules"
)

func newHost(t *testing.T) (*modules.Host, *Module) {
	t.Helper()
	ctx := context.Background()
	h := &modules.Host{Ctx: ctx, Interp: interp.New(ctx, interp.Options{})}
	m := New()
	require.NoError(t, m.Register(h))
	t.Cleanup(func() { m.StopAll(h) })
	return h, m
}

func TestDriverLifecycleFromScript(t *testing.T) {
	h, _ := newHost(t)

	require.NoError(t, h.Interp.LoadScript("s", []byte(`[
		{"type":"call","function":"driver_start","params":{"name":"echo","command":"cat"},"result":"started"},
		{"type":"call","function":"driver_listen","params":{"name":"echo"},"result":"listening"},
		{"type":"call","function":"driver_send","params":{"name":"echo","message":"hello\n"}},
		{"type":"listen_event","event_names":["driver_output"],"channel":"echo","timeout":2000,"steps":[
			{"type":"assign","variable":"out","value":"$__event_data__"}
		]},
		{"type":"call","function":"driver_stop","params":{"name":"echo"}}
	]`)))

	require.NoError(t, h.Interp.Execute("s"))
	started, _ := h.Interp.GetVariable("started")
	assert.Equal(t, true, started)
	listening, _ := h.Interp.GetVariable("listening")
	assert.Equal(t, true, listening)
	out, ok := h.Interp.GetVariable("out")
	require.True(t, ok, "no driver output observed")
	assert.Contains(t, out, "hello")
}

func TestStartTwiceFails(t *testing.T) {
	h, _ := newHost(t)

	_, err := h.Interp.CallFunction("driver_start", map[string]any{"name": "d", "command": "cat"})
	require.NoError(t, err)
	_, err = h.Interp.CallFunction("driver_start", map[string]any{"name": "d", "command": "cat"})
	assert.ErrorContains(t, err, "already started")
}

func TestUnknownDriverOperationsFail(t *testing.T) {
	h, _ := newHost(t)

	_, err := h.Interp.CallFunction("driver_send", map[string]any{"name": "ghost", "message": "x"})
	assert.ErrorContains(t, err, "not started")
	_, err = h.Interp.CallFunction("driver_stop", map[string]any{"name": "ghost"})
	assert.ErrorContains(t, err, "not started")
}

func TestStopAllTerminatesDrivers(t *testing.T) {
	h, m := newHost(t)

	_, err := h.Interp.CallFunction("driver_start", map[string]any{"name": "d1", "command": "cat"})
	require.NoError(t, err)
	m.StopAll(h)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := h.Interp.CallFunction("driver_send", map[string]any{"name": "d1", "message": "x"}); err != nil {
			assert.ErrorContains(t, err, "not started")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("driver still accepting messages after StopAll")
}
