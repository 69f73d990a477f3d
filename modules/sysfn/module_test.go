package sysfn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/modules"
)

func newHost(t *testing.T) *modules.Host {
	t.Helper()
	ctx := context.Background()
	return &modules.Host{Ctx: ctx, Interp: interp.New(ctx, interp.Options{})}
}

func TestRegisterAndCall(t *testing.T) {
	h := newHost(t)
	require.NoError(t, (&Module{}).Register(h))

	t.Setenv("STELLARD_TEST_VALUE", "observatory")
	got, err := h.Interp.CallFunction("getenv", map[string]any{"name": "STELLARD_TEST_VALUE"})
	require.NoError(t, err)
	assert.Equal(t, "observatory", got)

	_, err = h.Interp.CallFunction("log", map[string]any{"message": "hi", "level": "debug"})
	require.NoError(t, err)

	now, err := h.Interp.CallFunction("now_ms", nil)
	require.NoError(t, err)
	assert.IsType(t, float64(0), now)
}

func TestGetenvRequiresName(t *testing.T) {
	h := newHost(t)
	require.NoError(t, (&Module{}).Register(h))

	_, err := h.Interp.CallFunction("getenv", map[string]any{})
	assert.ErrorContains(t, err, "requires a name")
}

func TestDoubleRegisterFails(t *testing.T) {
	h := newHost(t)
	require.NoError(t, (&Module{}).Register(h))
	assert.Error(t, (&Module{}).Register(h))
}

func TestFunctionsUsableFromScripts(t *testing.T) {
	h := newHost(t)
	require.NoError(t, (&Module{}).Register(h))
	t.Setenv("STELLARD_SITE", "backyard")

	require.NoError(t, h.Interp.LoadScript("s", []byte(`[
		{"type":"call","function":"getenv","params":{"name":"STELLARD_SITE"},"result":"site"}
	]`)))
	require.NoError(t, h.Interp.Execute("s"))
	site, _ := h.Interp.GetVariable("site")
	assert.Equal(t, "backyard", site)
}
