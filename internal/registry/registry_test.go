package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stellard/internal/component"
)

type fakeComponent struct {
	name        string
	initialized bool
	destroyed   bool
	deps        map[string]component.Ref
}

func newFake(name string) *fakeComponent {
	return &fakeComponent{name: name, deps: make(map[string]component.Ref)}
}

func (f *fakeComponent) Name() string      { return f.name }
func (f *fakeComponent) Initialize() error { f.initialized = true; return nil }
func (f *fakeComponent) Destroy() error    { f.destroyed = true; return nil }
func (f *fakeComponent) AddDependency(name string, ref component.Ref) {
	f.deps[name] = ref
}

func TestAddAndGet(t *testing.T) {
	r := New()
	c := newFake("cam")

	require.NoError(t, r.Add("astro.cam", c))
	got, err := r.Get("astro.cam")
	require.NoError(t, err)
	assert.Same(t, c, got.(*fakeComponent))

	_, err = r.Get("astro.missing")
	assert.ErrorContains(t, err, "not registered")
}

func TestAddDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("astro.cam", newFake("cam")))
	err := r.Add("astro.cam", newFake("cam"))
	assert.ErrorContains(t, err, "already registered")
}

func TestRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("astro.cam", newFake("cam")))
	require.NoError(t, r.Remove("astro.cam"))
	assert.False(t, r.Has("astro.cam"))

	err := r.Remove("astro.cam")
	assert.ErrorContains(t, err, "not registered")
}

func TestWeakRefResolvesAndObservesRemoval(t *testing.T) {
	r := New()
	c := newFake("mount")
	require.NoError(t, r.Add("astro.mount", c))

	ref := r.Weak("astro.mount")
	inst, ok := ref.Upgrade()
	require.True(t, ok)
	assert.Same(t, c, inst.(*fakeComponent))

	// Removal is blocked while the borrow is escalated.
	err := r.Remove("astro.mount")
	assert.ErrorContains(t, err, "escalated borrow")

	ref.Release()
	require.NoError(t, r.Remove("astro.mount"))

	_, ok = ref.Upgrade()
	assert.False(t, ok)
}

func TestWeakRefBeforeAdd(t *testing.T) {
	r := New()
	ref := r.Weak("astro.focuser")

	_, ok := ref.Upgrade()
	assert.False(t, ok)

	require.NoError(t, r.Add("astro.focuser", newFake("focuser")))
	_, ok = ref.Upgrade()
	assert.True(t, ok)
	ref.Release()
}

func TestNames(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("a.x", newFake("x")))
	require.NoError(t, r.Add("a.y", newFake("y")))
	assert.ElementsMatch(t, []string{"a.x", "a.y"}, r.Names())
}

func TestGlobalLifecycle(t *testing.T) {
	ResetGlobal()
	t.Cleanup(ResetGlobal)

	g := Global()
	require.NoError(t, g.Add("a.x", newFake("x")))
	assert.True(t, Global().Has("a.x"))

	ResetGlobal()
	assert.False(t, Global().Has("a.x"))
}
