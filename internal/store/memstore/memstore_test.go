package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/orchestra/internal/domain"
)

func TestWriteDAG_InitialStates(t *testing.T) {
	f := New(nil)
	ctx := context.Background()
	dag := domain.DAG{
		GoalID: "g1",
		Nodes:  []domain.Task{{ID: "a"}, {ID: "b"}},
		Edges:  []domain.Edge{{Source: "a", Target: "b"}},
	}
	require.NoError(t, f.WriteDAG(ctx, dag))

	aState, ok, err := f.GetTaskState(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReady, aState.Status)

	bState, ok, err := f.GetTaskState(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusBlocked, bState.Status)
}

func TestListReadyTasks_PromotesBlockedAndOrders(t *testing.T) {
	f := New(nil)
	ctx := context.Background()
	dag := domain.DAG{
		GoalID: "g1",
		Nodes: []domain.Task{
			{ID: "a", Priority: 1},
			{ID: "b", Priority: 5},
			{ID: "c", Priority: 5},
		},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	}
	require.NoError(t, f.WriteDAG(ctx, dag))

	ready, err := f.ListReadyTasks(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ready)

	done, _, _ := f.GetTaskState(ctx, "a")
	done.Status = domain.StatusDone
	require.NoError(t, f.UpdateTaskState(ctx, "a", done))

	ready, err = f.ListReadyTasks(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, ready)
	// Priority 5 ties broken by insertion order: b before c.
	assert.Equal(t, []string{"b", "c"}, ready)

	bState, _, _ := f.GetTaskState(ctx, "b")
	assert.Equal(t, domain.StatusReady, bState.Status)
}

func TestLock_AcquireReleaseExclusivity(t *testing.T) {
	f := New(nil)
	ctx := context.Background()

	ok, err := f.AcquireLock(ctx, "t1", "agent-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.AcquireLock(ctx, "t1", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.ReleaseLock(ctx, "t1", "agent-b"))
	owner, present, err := f.LockOwner(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, "agent-a", owner)

	require.NoError(t, f.ReleaseLock(ctx, "t1", "agent-a"))
	_, present, err = f.LockOwner(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestRecoverStaleTasks(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	f := New(func() time.Time { return clock })
	ctx := context.Background()

	dag := domain.DAG{GoalID: "g1", Nodes: []domain.Task{{ID: "n1"}}}
	require.NoError(t, f.WriteDAG(ctx, dag))

	st, _, _ := f.GetTaskState(ctx, "n1")
	st = st.AsRunning("agent-crashed", clock.Add(-time.Second))
	require.NoError(t, f.UpdateTaskState(ctx, "n1", st))

	recovered, err := f.RecoverStaleTasks(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, recovered)

	st, _, _ = f.GetTaskState(ctx, "n1")
	assert.Equal(t, domain.StatusReady, st.Status)
	assert.Equal(t, "", st.Owner)
	assert.True(t, st.LeaseExpires.IsZero())
}

func TestCreateRemediationTask_BlocksQA(t *testing.T) {
	f := New(nil)
	ctx := context.Background()
	dag := domain.DAG{GoalID: "g1", Nodes: []domain.Task{{ID: "qa1"}}}
	require.NoError(t, f.WriteDAG(ctx, dag))

	id, err := f.CreateRemediationTask(ctx, "g1", "qa1", "features-dev", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "qa1__fix_1", id)

	fixState, ok, err := f.GetTaskState(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReady, fixState.Status)

	qaState, _, _ := f.GetTaskState(ctx, "qa1")
	assert.Equal(t, domain.StatusBlocked, qaState.Status)

	deps := mustReadDeps(t, f, ctx, "g1", "qa1")
	assert.Contains(t, deps, id)
}

func mustReadDeps(t *testing.T, f *Fake, ctx context.Context, goal, id string) []string {
	t.Helper()
	dag, err := f.ReadDAG(ctx, goal)
	require.NoError(t, err)
	return dag.DependenciesFor(id)
}
