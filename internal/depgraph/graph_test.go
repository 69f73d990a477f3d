package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stellard/internal/component"
)

func entry(addon, name string, deps ...string) component.Entry {
	return component.Entry{
		Component:    name,
		Addon:        addon,
		Entry:        "Create",
		Kind:         component.KindShared,
		Dependencies: deps,
	}
}

func fqns(t *testing.T, order []component.Entry) []string {
	t.Helper()
	out := make([]string, len(order))
	for i, e := range order {
		out[i] = e.FQN()
	}
	return out
}

func TestAddRejectsDuplicatesAndAnonymousEntries(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("astro", "cam")))

	err := g.Add(entry("astro", "cam"))
	assert.ErrorContains(t, err, "duplicate component")

	err = g.Add(component.Entry{})
	assert.ErrorContains(t, err, "lacks an addon and component name")
}

func TestLoadOrderEmptyGraph(t *testing.T) {
	order, err := New().LoadOrder()
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestLoadOrderRespectsDependencies(t *testing.T) {
	// C depends on A and B, B depends on A. Insertion order must not
	// matter.
	build := func(names []string) *Graph {
		g := New()
		byName := map[string]component.Entry{
			"a": entry("astro", "a"),
			"b": entry("astro", "b", "astro.a"),
			"c": entry("astro", "c", "astro.a", "astro.b"),
		}
		for _, n := range names {
			require.NoError(t, g.Add(byName[n]))
		}
		return g
	}

	want := []string{"astro.a", "astro.b", "astro.c"}
	for _, names := range [][]string{{"a", "b", "c"}, {"c", "b", "a"}} {
		order, err := build(names).LoadOrder()
		require.NoError(t, err)
		assert.Equal(t, want, fqns(t, order))
	}
}

func TestLoadOrderIndependentComponentsLexicographic(t *testing.T) {
	g := New()
	for _, e := range []component.Entry{entry("z", "z"), entry("m", "m"), entry("a", "a")} {
		require.NoError(t, g.Add(e))
	}
	order, err := g.LoadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.a", "m.m", "z.z"}, fqns(t, order))
}

func TestLoadOrderIgnoresEmptyDependencyNames(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("astro", "cam", "")))
	order, err := g.LoadOrder()
	require.NoError(t, err)
	assert.Len(t, order, 1)
}

func TestLoadOrderRejectsSelfDependency(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("astro", "cam", "astro.cam")))
	_, err := g.LoadOrder()
	assert.ErrorContains(t, err, "depends on itself")
}

func TestLoadOrderRejectsUnknownDependency(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("astro", "cam", "ghost.x")))
	_, err := g.LoadOrder()
	assert.ErrorContains(t, err, "unknown dependency")
}

func TestLoadOrderReportsCycleMembers(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("a", "x", "b.y")))
	require.NoError(t, g.Add(entry("b", "y", "a.x")))
	require.NoError(t, g.Add(entry("c", "free")))

	_, err := g.LoadOrder()
	require.Error(t, err)
	assert.ErrorContains(t, err, "dependency cycle")
	assert.ErrorContains(t, err, "a.x")
	assert.ErrorContains(t, err, "b.y")
	assert.NotContains(t, err.Error(), "c.free")
}

func TestLoadOrderDiamond(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(entry("astro", "ui", "astro.cam", "astro.mount")))
	require.NoError(t, g.Add(entry("astro", "cam", "astro.core")))
	require.NoError(t, g.Add(entry("astro", "mount", "astro.core")))
	require.NoError(t, g.Add(entry("astro", "core")))

	order, err := g.LoadOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"astro.core", "astro.cam", "astro.mount", "astro.ui"}, fqns(t, order))
}
