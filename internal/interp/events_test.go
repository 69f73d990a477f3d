package interp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stellard/internal/bus"
)

func TestBroadcastThenListenRendezvous(t *testing.T) {
	in := newTestInterp(t)
	load(t, in, "listener", `[
		{"type":"listen_event","event_names":["ready"],"channel":"c","timeout":1000,"steps":[
			{"type":"assign","variable":"got","value":"$__event_name__"}
		]}
	]`)
	load(t, in, "sender", `[
		{"type":"broadcast_event","event_name":"ready","channel":"c","event_data":{"k":1}}
	]`)

	require.NoError(t, in.ExecuteAsync("listener"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, in.Execute("sender"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := in.GetVariable("got"); ok {
			assert.Equal(t, "ready", v)
			break
		}
		require.True(t, time.Now().Before(deadline), "listener never fired")
		time.Sleep(10 * time.Millisecond)
	}

	payload, ok := in.GetVariable(EventDataVar)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"k": 1.0}, payload)
	in.Stop()
}

func TestListenEventTimeoutReturnsWithoutError(t *testing.T) {
	in := newTestInterp(t)
	load(t, in, "s", `[
		{"type":"listen_event","event_names":["never"],"timeout":50,"steps":[
			{"type":"assign","variable":"fired","value":true}
		]},
		{"type":"assign","variable":"after","value":true}
	]`)
	start := time.Now()
	require.NoError(t, in.Execute("s"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, fired := in.GetVariable("fired")
	assert.False(t, fired)
	after, _ := in.GetVariable("after")
	assert.Equal(t, true, after)
}

func TestEventsMatchOnlyWithinChannel(t *testing.T) {
	in := newTestInterp(t)
	in.BroadcastEvent("ready", "other", "wrong channel")

	load(t, in, "s", `[
		{"type":"listen_event","event_names":["ready"],"channel":"mine","timeout":50,"steps":[
			{"type":"assign","variable":"fired","value":true}
		]}
	]`)
	require.NoError(t, in.Execute("s"))
	_, fired := in.GetVariable("fired")
	assert.False(t, fired)
	// The mismatched event is still queued for its own channel.
	assert.Equal(t, 1, in.PendingEvents())
}

func TestEventFIFOAcrossSameKey(t *testing.T) {
	in := newTestInterp(t)
	in.BroadcastEvent("tick", "c", 1.0)
	in.BroadcastEvent("tick", "c", 2.0)
	in.BroadcastEvent("tick", "c", 3.0)

	for want := 1.0; want <= 3; want++ {
		event, ok, err := in.awaitEvent(map[string]string{"tick@c": "tick"}, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, event.payload)
	}
}

func TestWaitEventBlocksUntilBroadcast(t *testing.T) {
	in := newTestInterp(t)
	load(t, in, "s", `[
		{"type":"wait_event","event":"go"},
		{"type":"assign","variable":"released","value":true}
	]`)
	require.NoError(t, in.ExecuteAsync("s"))
	time.Sleep(30 * time.Millisecond)
	_, released := in.GetVariable("released")
	assert.False(t, released)

	in.BroadcastEvent("go", "", nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := in.GetVariable("released"); ok && v == true {
			break
		}
		require.True(t, time.Now().Before(deadline), "wait_event never released")
		time.Sleep(10 * time.Millisecond)
	}
	in.Stop()
}

func TestListenEventPerEventSteps(t *testing.T) {
	in := newTestInterp(t)
	in.BroadcastEvent("beta", "", nil)
	load(t, in, "s", `[
		{"type":"listen_event","event_names":["alpha","beta"],"timeout":500,
			"event_steps":{
				"alpha":[{"type":"assign","variable":"which","value":"a"}],
				"beta":[{"type":"assign","variable":"which","value":"b"}]
			},
			"steps":[{"type":"assign","variable":"which","value":"default"}]}
	]`)
	require.NoError(t, in.Execute("s"))
	which, _ := in.GetVariable("which")
	assert.Equal(t, "b", which)
}

func TestListenEventFilterRejects(t *testing.T) {
	in := newTestInterp(t)
	in.BroadcastEvent("data", "", map[string]any{"level": 1.0})
	load(t, in, "s", `[
		{"type":"listen_event","event_names":["data"],"timeout":80,
			"filter":false,
			"steps":[{"type":"assign","variable":"fired","value":true}]}
	]`)
	require.NoError(t, in.Execute("s"))
	_, fired := in.GetVariable("fired")
	assert.False(t, fired)
}

func TestEventQueueOverflowDropsOldest(t *testing.T) {
	in := New(context.Background(), Options{EventQueueCap: 3})
	for i := 0; i < 10; i++ {
		in.BroadcastEvent("e", "", float64(i))
	}
	assert.Equal(t, 3, in.PendingEvents())

	event, ok, err := in.awaitEvent(map[string]string{"e@": "e"}, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7.0, event.payload)
}

func TestBroadcastMirrorsToBus(t *testing.T) {
	b := bus.New[any](10)
	defer b.Close()
	in := New(context.Background(), Options{Bus: b})

	received := make(chan any, 1)
	b.Subscribe("camera::frame", 0, func(topic string, msg any) {
		received <- msg
	})

	in.BroadcastEvent("frame", "camera", "payload")
	select {
	case msg := <-received:
		assert.Equal(t, "payload", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("bus never saw the mirrored event")
	}
}

func TestImportFromFileWithNamespace(t *testing.T) {
	dir := t.TempDir()
	inner := `{
		"header":{"name":"inner","auto_execute":false},
		"steps":[{"type":"assign","variable":"imported","value":41}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.json"), []byte(inner), 0o644))

	in := New(context.Background(), Options{ScriptDir: dir})
	require.NoError(t, in.LoadScript("main", []byte(`[
		{"type":"import","script":"setup","fromFile":true,"namespace":"lib"},
		{"type":"assign","variable":"after","value":{"$add":["$imported",1]}}
	]`)))

	require.NoError(t, in.Execute("main"))
	assert.True(t, in.HasScript("lib::setup"))
	assert.Equal(t, 42.0, number(t, in, "after"))
}

func TestImportRecursesNestedFileImports(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leaf.json"),
		[]byte(`[{"type":"assign","variable":"leaf","value":true}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mid.json"),
		[]byte(`[
			{"type":"import","script":"leaf","fromFile":true},
			{"type":"assign","variable":"mid","value":true}
		]`), 0o644))

	in := New(context.Background(), Options{ScriptDir: dir})
	require.NoError(t, in.LoadScript("main", []byte(`[
		{"type":"import","script":"mid","fromFile":true}
	]`)))

	require.NoError(t, in.Execute("main"))
	assert.True(t, in.HasScript("mid"))
	assert.True(t, in.HasScript("leaf"))
	leaf, _ := in.GetVariable("leaf")
	assert.Equal(t, true, leaf)
	mid, _ := in.GetVariable("mid")
	assert.Equal(t, true, mid)
}

func TestImportLoadedScriptExecutesInline(t *testing.T) {
	in := newTestInterp(t)
	load(t, in, "scriptA", `{
		"header":{"name":"Initialization Script","version":"1.0.1","author":"Max Qian","auto_execute":true},
		"steps":[
			{"type":"print","message":"Initialization started."},
			{"type":"assign","variable":"initialized","value":true},
			{"type":"assign","variable":"a","value":100},
			{"type":"print","message":"Initialization complete."}
		]
	}`)
	load(t, in, "scriptB", `[
		{"type":"import","script":"scriptA"},
		{"type":"assign","variable":"b","value":{"$":"a + 1"}}
	]`)

	require.NoError(t, in.Execute("scriptB"))
	assert.Equal(t, 100.0, number(t, in, "a"))
	assert.Equal(t, 101.0, number(t, in, "b"))
}

func TestImportMissingFileFails(t *testing.T) {
	in := New(context.Background(), Options{ScriptDir: t.TempDir()})
	require.NoError(t, in.LoadScript("main", []byte(`[
		{"type":"import","script":"ghost","fromFile":true}
	]`)))
	err := in.Execute("main")
	assert.ErrorContains(t, err, "failed to read imported script")
}
