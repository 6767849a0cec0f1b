package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingSet(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(n string) bool { return set[n] }
}

func TestAddEdgeRejectsSelf(t *testing.T) {
	t.Parallel()

	g := New()
	err := g.AddEdge("a", "a")
	require.ErrorIs(t, err, ErrSelfDependency)
	require.Error(t, g.AddEdge("", "b"))
	assert.Zero(t, g.Edges())
}

func TestSatisfied(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddEdge("report", "extract"))
	require.NoError(t, g.AddEdge("report", "transform"))
	require.NoError(t, g.AddEdge("report", "extract"))

	assert.Equal(t, 2, g.Edges())
	assert.Equal(t, []string{"extract", "transform"}, g.Prerequisites("report"))
	assert.Equal(t, []string{"report"}, g.Dependents("extract"))

	assert.False(t, g.Satisfied("report", pendingSet("extract")))
	assert.Equal(t, []string{"extract"}, g.Blockers("report", pendingSet("extract", "other")))
	assert.True(t, g.Satisfied("report", pendingSet("other")))
	// Unknown consumers and never-scheduled prerequisites are satisfied.
	assert.True(t, g.Satisfied("unknown", pendingSet("extract")))
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddEdge("b", "a"))
	require.NoError(t, g.AddEdge("c", "a"))
	require.NoError(t, g.AddEdge("c", "b"))

	assert.True(t, g.RemoveEdge("c", "b"))
	assert.False(t, g.RemoveEdge("c", "b"))
	assert.Equal(t, []string{"a"}, g.Prerequisites("c"))

	assert.Equal(t, 1, g.Clear("c"))
	assert.False(t, g.HasPrerequisites("c"))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))

	g.RemoveNode("a")
	assert.Empty(t, g.Dependents("a"))
	assert.False(t, g.HasPrerequisites("b"))
	assert.Zero(t, g.Edges())
}

func TestRemoveTrimsNames(t *testing.T) {
	t.Parallel()

	g := New()
	require.NoError(t, g.AddEdge(" a ", "b"))
	require.NoError(t, g.AddEdge("a", " c"))
	assert.True(t, g.RemoveEdge(" a ", "b"))
	assert.Equal(t, []string{"c"}, g.Prerequisites("a"))
	assert.Equal(t, 1, g.Clear("a "))
	assert.Zero(t, g.Edges())

	require.NoError(t, g.AddEdge("x", "y"))
	g.RemoveNode(" y ")
	assert.Empty(t, g.Dependents("y"))
	assert.Zero(t, g.Edges())
}
