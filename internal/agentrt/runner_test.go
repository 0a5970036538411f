package agentrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/oracle"
	"github.com/basket/orchestra/internal/store/memstore"
)

func writeHeartbeatFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heartbeat.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func baseConfig(t *testing.T, goalID, role string) Config {
	return Config{
		AgentName:       "agent-" + role,
		AgentRole:       role,
		GoalID:          goalID,
		HeartbeatPath:   writeHeartbeatFile(t, ""),
		InstructionPath: writeHeartbeatFile(t, "do good work"),
	}
}

// TestWorkCycle_S1HappyPath grounds scenario S1: a single-node DAG, a
// matching role, and a stub oracle that reports done; the node should
// land in DEV_DONE with progress and artifacts recorded, the lock
// released, and a memory entry appended.
func TestWorkCycle_S1HappyPath(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes: []domain.Task{{
			ID:       "n1",
			Title:    "do the thing",
			Metadata: map[string]string{domain.MetaPhase: string(domain.PhaseDevelopment), domain.MetaRequiredRole: "features-dev"},
		}},
	}))

	stub := &oracle.StubClient{
		ExecuteTaskFunc: func(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (oracle.ExecutionResult, error) {
			return oracle.ExecutionResult{Status: oracle.ExecStatusDone, Outputs: []string{"artifact://n1.txt"}, Notes: "done"}, nil
		},
	}

	cfg := baseConfig(t, goalID, "features-dev")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusDevDone, state.Status)
	assert.NotEmpty(t, state.Progress)
	assert.Equal(t, []string{"artifact://n1.txt"}, state.Artifacts)

	owner, held, err := st.LockOwner(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, held, "expected lock released, owner=%s", owner)

	assert.GreaterOrEqual(t, r.Memory().Len(), 1)
}

// TestCycle_S2Pause grounds scenario S2: a PAUSE directive in the
// heartbeat file must prevent any oracle call from being issued and
// leave the task state untouched.
func TestCycle_S2Pause(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes:  []domain.Task{{ID: "n1", Metadata: map[string]string{domain.MetaRequiredRole: "features-dev"}}},
	}))

	calledSelect := false
	stub := &oracle.StubClient{
		SelectNextTaskFunc: func(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (oracle.TaskSelection, error) {
			calledSelect = true
			return oracle.TaskSelection{}, nil
		},
	}

	cfg := baseConfig(t, goalID, "features-dev")
	cfg.HeartbeatPath = writeHeartbeatFile(t, "PAUSE\n")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	assert.False(t, calledSelect, "select_next_task must not be called while paused")
	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReady, state.Status)
}

// TestWorkCycle_S4ResumeAfterCrash grounds scenario S4: a task left
// RUNNING by a crashed owner with an expired lease is reclaimed by a
// fresh agent within one cycle.
func TestWorkCycle_S4ResumeAfterCrash(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes:  []domain.Task{{ID: "n1", Metadata: map[string]string{domain.MetaPhase: string(domain.PhaseDevelopment), domain.MetaRequiredRole: "features-dev"}}},
	}))
	require.NoError(t, st.UpdateTaskState(ctx, "n1", domain.State{
		Status:       domain.StatusRunning,
		Owner:        "agent-crashed",
		LeaseExpires: time.Now().Add(-time.Second),
	}))

	stub := &oracle.StubClient{}
	cfg := baseConfig(t, goalID, "features-dev")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusDevDone, state.Status)
}

// TestWorkCycle_S5RecoverableError grounds scenario S5: a
// deterministically-recoverable execution error blocks the task and
// spawns a READY recovery node as an incoming edge.
func TestWorkCycle_S5RecoverableError(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes:  []domain.Task{{ID: "n1", Metadata: map[string]string{domain.MetaPhase: string(domain.PhaseDevelopment), domain.MetaRequiredRole: "features-dev"}}},
	}))

	stub := &oracle.StubClient{
		ExecuteTaskFunc: func(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (oracle.ExecutionResult, error) {
			return oracle.ExecutionResult{}, assertErr{"node: command not found"}
		},
	}

	cfg := baseConfig(t, goalID, "features-dev")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusBlocked, state.Status)
	assert.Contains(t, state.Progress, "created remediation task")

	recoveryNode, ok, err := st.GetTaskNode(ctx, goalID, "n1__recover_1")
	require.NoError(t, err)
	require.True(t, ok, "expected recovery node n1__recover_1")
	recoveryState, ok, err := st.GetTaskState(ctx, recoveryNode.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReady, recoveryState.Status)
}

// TestWorkCycle_S6RecoveryExhausted grounds scenario S6: once
// recovery_attempts has reached the cap, a further failure goes
// straight to FAILED with no new recovery task.
func TestWorkCycle_S6RecoveryExhausted(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes: []domain.Task{{
			ID: "n1",
			Metadata: map[string]string{
				domain.MetaPhase:            string(domain.PhaseDevelopment),
				domain.MetaRequiredRole:     "features-dev",
				domain.MetaRecoveryAttempts: "3",
			},
		}},
	}))

	stub := &oracle.StubClient{
		ExecuteTaskFunc: func(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (oracle.ExecutionResult, error) {
			return oracle.ExecutionResult{}, assertErr{"timed out waiting for response"}
		},
	}

	cfg := baseConfig(t, goalID, "features-dev")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, state.Status)

	_, ok, err = st.GetTaskNode(ctx, goalID, "n1__recover_4")
	require.NoError(t, err)
	assert.False(t, ok, "no new recovery task should be created once attempts are exhausted")
}

// TestCycle_S7SpendingCapBackoff grounds scenario S7: a future goal-wide
// spending-cap deadline must prevent select_next_task from being
// invoked at all, leaving the node READY.
func TestCycle_S7SpendingCapBackoff(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes:  []domain.Task{{ID: "n1", Metadata: map[string]string{domain.MetaRequiredRole: "features-dev"}}},
	}))
	require.NoError(t, st.SetGoalSpendingCapUntil(ctx, goalID, time.Now().Add(time.Minute)))

	stub := &oracle.StubClient{
		SelectNextTaskFunc: func(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (oracle.TaskSelection, error) {
			t.Fatal("select_next_task must not be called during spending cap backoff")
			return oracle.TaskSelection{}, nil
		},
	}

	cfg := baseConfig(t, goalID, "features-dev")
	r := New(cfg, st, stub, nil)
	require.NoError(t, r.Cycle(ctx))

	state, ok, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusReady, state.Status)
}

func TestDirective_DropTaskAndElevate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-1"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes:  []domain.Task{{ID: "n1", Priority: 1, Metadata: map[string]string{domain.MetaRequiredRole: "features-dev"}}},
	}))
	ok, err := st.AcquireLock(ctx, "n1", "agent-features-dev", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.UpdateTaskState(ctx, "n1", domain.State{Status: domain.StatusRunning, Owner: "agent-features-dev"}))

	cfg := baseConfig(t, goalID, "features-dev")
	cfg.HeartbeatPath = writeHeartbeatFile(t, "DROP-TASK n1\nELEVATE n1 9\n")
	r := New(cfg, st, &oracle.StubClient{}, nil)
	r.directivePhase(ctx)

	state, ok2, err := st.GetTaskState(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, domain.StatusReady, state.Status)

	node, ok3, err := st.GetTaskNode(ctx, goalID, "n1")
	require.NoError(t, err)
	require.True(t, ok3)
	assert.Equal(t, 9, node.Priority)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// TestWorkCycle_S3IterativeQA grounds scenario S3: a development task D,
// a QA task Q (edge D->Q), and an integration task I (edge Q->I). The
// oracle's first QA execution fails, the remediation fix is delivered,
// and the second QA execution passes, letting the integration task run.
func TestWorkCycle_S3IterativeQA(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(nil)
	goalID := "goal-3"
	require.NoError(t, st.WriteDAG(ctx, domain.DAG{
		GoalID: goalID,
		Nodes: []domain.Task{
			{
				ID:    "D",
				Title: "build the feature",
				Metadata: map[string]string{
					domain.MetaPhase:        string(domain.PhaseDevelopment),
					domain.MetaRequiredRole: "features-dev",
				},
			},
			{
				ID:    "Q",
				Title: "review the feature",
				Metadata: map[string]string{
					domain.MetaPhase:        string(domain.PhaseQA),
					domain.MetaRequiredRole: "qa-dev",
					domain.MetaDevRole:      "features-dev",
				},
			},
			{
				ID:    "I",
				Title: "integrate the feature",
				Metadata: map[string]string{
					domain.MetaPhase:        string(domain.PhaseIntegration),
					domain.MetaRequiredRole: "team-lead",
				},
			},
		},
		Edges: []domain.Edge{
			{Source: "D", Target: "Q"},
			{Source: "Q", Target: "I"},
		},
	}))

	qaCalls := 0
	stub := &oracle.StubClient{
		ExecuteTaskFunc: func(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (oracle.ExecutionResult, error) {
			if node.Metadata[domain.MetaPhase] == string(domain.PhaseQA) {
				qaCalls++
				if qaCalls == 1 {
					return oracle.ExecutionResult{Status: oracle.ExecStatusFailed, Notes: "missing test coverage"}, nil
				}
				return oracle.ExecutionResult{Status: oracle.ExecStatusDone, Outputs: []string{"artifact://Q.txt"}, Notes: "looks good"}, nil
			}
			return oracle.ExecutionResult{Status: oracle.ExecStatusDone, Outputs: []string{fmt.Sprintf("artifact://%s.txt", node.ID)}, Notes: "done"}, nil
		},
	}

	// features-dev cycle: D -> DEV_DONE.
	devCfg := baseConfig(t, goalID, "features-dev")
	devRunner := New(devCfg, st, stub, nil)
	require.NoError(t, devRunner.Cycle(ctx))
	dState, _, err := st.GetTaskState(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDevDone, dState.Status)

	// qa-dev cycle 1: Q fails, goes BLOCKED behind a fix node.
	qaCfg := baseConfig(t, goalID, "qa-dev")
	qaRunner := New(qaCfg, st, stub, nil)
	require.NoError(t, qaRunner.Cycle(ctx))
	qState, _, err := st.GetTaskState(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, qState.Status)

	fixNode, ok, err := st.GetTaskNode(ctx, goalID, "Q__fix_1")
	require.NoError(t, err)
	require.True(t, ok, "expected remediation node Q__fix_1")
	assert.Equal(t, "features-dev", fixNode.Metadata[domain.MetaRequiredRole])
	fixState, _, err := st.GetTaskState(ctx, fixNode.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, fixState.Status)

	// features-dev cycle: the fix node -> DEV_DONE.
	require.NoError(t, devRunner.Cycle(ctx))
	fixState, _, err = st.GetTaskState(ctx, fixNode.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDevDone, fixState.Status)

	// qa-dev cycle 2: Q is promoted back to READY and now passes.
	require.NoError(t, qaRunner.Cycle(ctx))
	qState, _, err = st.GetTaskState(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQAPassed, qState.Status)

	// team-lead cycle: I -> DONE.
	leadCfg := baseConfig(t, goalID, "team-lead")
	leadRunner := New(leadCfg, st, stub, nil)
	require.NoError(t, leadRunner.Cycle(ctx))
	iState, _, err := st.GetTaskState(ctx, "I")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, iState.Status)
}
