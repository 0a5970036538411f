package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkDAG(nodes []string, edges [][2]string) DAG {
	d := DAG{GoalID: "g1"}
	for _, id := range nodes {
		d.Nodes = append(d.Nodes, Task{ID: id})
	}
	for _, e := range edges {
		d.Edges = append(d.Edges, Edge{Source: e[0], Target: e[1]})
	}
	return d
}

func TestValidate_Acyclic(t *testing.T) {
	d := mkDAG([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	require.NoError(t, d.Validate())
}

func TestValidate_Cycle(t *testing.T) {
	d := mkDAG([]string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	err := d.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDAG))
}

func TestValidate_DanglingEdge(t *testing.T) {
	d := mkDAG([]string{"a"}, [][2]string{{"a", "missing"}})
	err := d.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDanglingEdge))
}

func TestValidate_DuplicateNode(t *testing.T) {
	d := DAG{GoalID: "g1", Nodes: []Task{{ID: "a"}, {ID: "a"}}}
	err := d.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateNode))
}

func TestDependenciesFor(t *testing.T) {
	d := mkDAG([]string{"a", "b", "c"}, [][2]string{{"a", "c"}, {"b", "c"}})
	deps := d.DependenciesFor("c")
	assert.ElementsMatch(t, []string{"a", "b"}, deps)
	assert.Empty(t, d.DependenciesFor("a"))
}

func TestTopoWaves(t *testing.T) {
	d := mkDAG([]string{"a", "b", "c", "d"}, [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})
	waves, err := d.TopoWaves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waves[0])
	assert.ElementsMatch(t, []string{"b", "c"}, waves[1])
	assert.Equal(t, []string{"d"}, waves[2])
}

func TestTopoWaves_Cycle(t *testing.T) {
	d := mkDAG([]string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	_, err := d.TopoWaves()
	require.Error(t, err)
}

func TestIsSatisfied(t *testing.T) {
	assert.True(t, IsSatisfied(StatusDevDone))
	assert.True(t, IsSatisfied(StatusQAPassed))
	assert.True(t, IsSatisfied(StatusIntegrated))
	assert.True(t, IsSatisfied(StatusDone))
	assert.False(t, IsSatisfied(StatusReady))
	assert.False(t, IsSatisfied(StatusRunning))
	assert.False(t, IsSatisfied(StatusFailed))
}

func TestStateTransitions(t *testing.T) {
	s := State{Status: StatusReady}
	running := s.AsRunning("agent-1", time.Time{})
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, "agent-1", running.Owner)

	done := running.AsDone(StatusDevDone, "did it", []string{"artifact://a"})
	assert.Equal(t, StatusDevDone, done.Status)
	assert.Equal(t, "", done.Owner)
	assert.Equal(t, []string{"artifact://a"}, done.Artifacts)

	failed := running.AsFailed("boom")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.LastError)
	assert.Equal(t, "", failed.Owner)
}
