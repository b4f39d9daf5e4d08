package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddNodeAndEdge(t *testing.T) {
	g := NewGraph[string]()

	g.AddNode("a", "node A")
	g.AddNode("b", "node B")
	g.AddNode("c", "node C")
	assert.Equal(t, 3, g.NodeCount())

	// b depends on a, c depends on b
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))
	assert.Equal(t, 2, g.EdgeCount())

	// duplicate edges are ignored
	require.NoError(t, g.AddEdge("a", "b"))
	assert.Equal(t, 2, g.EdgeCount())
}

func TestGraph_AddNode_ReplacesData(t *testing.T) {
	g := NewGraph[int]()
	g.AddNode("a", 1)
	g.AddNode("a", 2)

	n, ok := g.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, 2, n.Data)
	assert.Equal(t, 1, g.NodeCount())
}

func TestGraph_AddEdge_InvalidNodes(t *testing.T) {
	g := NewGraph[any]()
	g.AddNode("a", nil)

	err := g.AddEdge("a", "nonexistent")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	err = g.AddEdge("nonexistent", "a")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestGraph_AddEdge_RejectsCycles(t *testing.T) {
	tests := []struct {
		name    string
		edges   [][2]string
		reject  [2]string
		wantMsg string
	}{
		{
			name:    "self loop",
			reject:  [2]string{"a", "a"},
			wantMsg: "self-loop on a",
		},
		{
			name:    "two node cycle",
			edges:   [][2]string{{"a", "b"}},
			reject:  [2]string{"b", "a"},
			wantMsg: "a -> b -> a",
		},
		{
			name:    "transitive cycle",
			edges:   [][2]string{{"a", "b"}, {"b", "c"}},
			reject:  [2]string{"c", "a"},
			wantMsg: "a -> b -> c -> a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph[any]()
			for _, id := range []string{"a", "b", "c"} {
				g.AddNode(id, nil)
			}
			for _, e := range tt.edges {
				require.NoError(t, g.AddEdge(e[0], e[1]))
			}
			before := g.EdgeCount()

			err := g.AddEdge(tt.reject[0], tt.reject[1])
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCycle))
			assert.Contains(t, err.Error(), tt.wantMsg)

			// rejected edge leaves the graph unchanged
			assert.Equal(t, before, g.EdgeCount())
			hasCycle, _ := g.HasCycle()
			assert.False(t, hasCycle)
		})
	}
}

func TestGraph_GetParentsAndChildren(t *testing.T) {
	g := NewGraph[any]()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddNode("c", nil)

	// b depends on a, c depends on both a and b
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "c"))

	assert.ElementsMatch(t, []string{"a", "b"}, g.GetParents("c"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.GetChildren("a"))
}

func TestGraph_RemoveNode(t *testing.T) {
	g := NewGraph[any]()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	require.NoError(t, g.RemoveNode("b"))
	assert.False(t, g.HasNode("b"))
	assert.Empty(t, g.GetChildren("a"))
	assert.Empty(t, g.GetParents("c"))
	assert.Equal(t, 0, g.EdgeCount())

	assert.ErrorIs(t, g.RemoveNode("b"), ErrNodeNotFound)
}

func TestGraph_TopologicalSort(t *testing.T) {
	g := NewGraph[any]()
	// diamond: a -> b, a -> c, b -> d, c -> d
	for _, id := range []string{"d", "c", "b", "a"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "d"))
	require.NoError(t, g.AddEdge("c", "d"))

	sorted, err := g.TopologicalSort()
	require.NoError(t, err)
	require.Len(t, sorted, 4)

	pos := make(map[string]int)
	for i, n := range sorted {
		pos[n.ID] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestGraph_GetExecutionLevels(t *testing.T) {
	g := NewGraph[any]()
	for _, id := range []string{"raw_a", "raw_b", "x", "y", "z"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("raw_a", "x"))
	require.NoError(t, g.AddEdge("raw_b", "y"))
	require.NoError(t, g.AddEdge("x", "z"))
	require.NoError(t, g.AddEdge("y", "z"))
	require.NoError(t, g.AddEdge("raw_a", "z"))

	levels, err := g.GetExecutionLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"raw_a", "raw_b"}, {"x", "y"}, {"z"}}, levels)
}

func TestGraph_GetExecutionLevels_Empty(t *testing.T) {
	levels, err := NewGraph[any]().GetExecutionLevels()
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestGraph_GetAffectedNodes(t *testing.T) {
	g := NewGraph[any]()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	assert.Equal(t, []string{"a", "b", "c"}, g.GetAffectedNodes([]string{"a"}))
	assert.Equal(t, []string{"b", "c"}, g.GetAffectedNodes([]string{"b"}))
	assert.Equal(t, []string{"d"}, g.GetAffectedNodes([]string{"d", "missing"}))
}

func TestGraph_GetUpstreamNodes(t *testing.T) {
	g := NewGraph[any]()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	assert.Equal(t, []string{"a", "b"}, g.GetUpstreamNodes("c"))
	assert.Empty(t, g.GetUpstreamNodes("a"))
}

func TestGraph_RootsAndLeaves(t *testing.T) {
	g := NewGraph[any]()
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(id, nil)
	}
	require.NoError(t, g.AddEdge("a", "c"))
	require.NoError(t, g.AddEdge("b", "c"))

	assert.Equal(t, []string{"a", "b", "d"}, g.GetRoots())
	assert.Equal(t, []string{"c", "d"}, g.GetLeaves())
}

func TestGraph_Subgraph(t *testing.T) {
	g := NewGraph[string]()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id, "data-"+id)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	sub := g.Subgraph([]string{"b", "c", "missing"})
	assert.Equal(t, 2, sub.NodeCount())
	assert.Equal(t, 1, sub.EdgeCount())

	n, ok := sub.GetNode("b")
	require.True(t, ok)
	assert.Equal(t, "data-b", n.Data)
}
