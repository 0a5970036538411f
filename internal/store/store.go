// Package store implements the shared state store (C1): the persisted
// DAG, per-task state, lease locks, agent registry, heartbeats, and the
// goal-wide spending-cap backoff flag. It is the only place concurrent
// agents and the coordinator actually synchronize.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/basket/orchestra/internal/domain"
)

// Errors returned by Store implementations.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrLockHeld  = errors.New("store: lock held by another owner")
	ErrGoalEmpty = errors.New("store: goal id required")
)

// Store is the shared state store contract. Every operation is retry-safe;
// non-existent keys return zero values rather than erroring, except where
// noted.
type Store interface {
	// WriteDAG atomically replaces any existing DAG for its goal and
	// initializes each node's state to READY (no incoming edges) or
	// BLOCKED (otherwise).
	WriteDAG(ctx context.Context, dag domain.DAG) error

	// ReadDAG returns the full DAG for a goal.
	ReadDAG(ctx context.Context, goalID string) (domain.DAG, error)

	// GetTaskNode returns one node's static definition.
	GetTaskNode(ctx context.Context, goalID, taskID string) (domain.Task, bool, error)

	// UpdateTaskNode patches one node's static definition (e.g. metadata).
	UpdateTaskNode(ctx context.Context, goalID string, task domain.Task) error

	// GetTaskState returns the mutable state record for a task.
	GetTaskState(ctx context.Context, taskID string) (domain.State, bool, error)

	// UpdateTaskState fully overwrites the mutable state record.
	UpdateTaskState(ctx context.Context, taskID string, state domain.State) error

	// ListReadyTasks recovers stale tasks, then returns claimable ids for
	// goalID ordered by descending priority. The in-memory fake breaks
	// ties by insertion order; RedisStore breaks them by task id, since
	// its node hash keeps no insertion order.
	ListReadyTasks(ctx context.Context, goalID string) ([]string, error)

	// RecoverStaleTasks resets RUNNING/CLAIMED tasks with a missing lock
	// or an expired lease back to READY, returning the recovered ids.
	RecoverStaleTasks(ctx context.Context, goalID string) ([]string, error)

	// AcquireLock atomically sets the lock if absent, with a TTL.
	AcquireLock(ctx context.Context, taskID, agent string, ttl time.Duration) (bool, error)

	// RenewLock refreshes the lock TTL only if agent is still the owner.
	RenewLock(ctx context.Context, taskID, agent string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock only if agent is still the owner.
	ReleaseLock(ctx context.Context, taskID, agent string) error

	// LockOwner returns the current lock owner, if any.
	LockOwner(ctx context.Context, taskID string) (string, bool, error)

	// RegisterAgent records pid/capabilities for an agent name.
	RegisterAgent(ctx context.Context, name string, pid int, capabilities map[string]string) error

	// DeregisterAgent removes the agent's registration and heartbeat.
	DeregisterAgent(ctx context.Context, name string) error

	// HeartbeatAgent refreshes the agent's TTL-bounded liveness timestamp.
	HeartbeatAgent(ctx context.Context, name string, ttl time.Duration) error

	// AgentLastHeartbeat returns the last heartbeat time, if present.
	AgentLastHeartbeat(ctx context.Context, name string) (time.Time, bool, error)

	// StoreMemorySnapshot persists an opaque JSON-encoded memory snapshot.
	StoreMemorySnapshot(ctx context.Context, agent string, entries []string) error

	// LoadMemorySnapshot returns the last stored memory snapshot.
	LoadMemorySnapshot(ctx context.Context, agent string) ([]string, error)

	// SetGoalSpendingCapUntil writes a UTC deadline with TTL matching the
	// window; it never regresses to an earlier deadline.
	SetGoalSpendingCapUntil(ctx context.Context, goalID string, until time.Time) error

	// GetGoalSpendingCapUntil returns the current deadline, if any.
	GetGoalSpendingCapUntil(ctx context.Context, goalID string) (time.Time, bool, error)

	// ClearGoalSpendingCapUntil removes the deadline.
	ClearGoalSpendingCapUntil(ctx context.Context, goalID string) error

	// CreateRemediationTask appends a development-phase node blocking the
	// QA task, per the QA remediation loop.
	CreateRemediationTask(ctx context.Context, goalID, qaTaskID, devRole string, cycle, priority int) (string, error)

	// CreateRecoveryTask appends a development-phase node blocking the
	// originating task, per the recoverable-error path.
	CreateRecoveryTask(ctx context.Context, goalID, blockedTaskID, ownerRole string, attempt, priority int, title string) (string, error)

	// AppendInstructionVersion records a new instruction text version for
	// (agent, goal) and returns its index.
	AppendInstructionVersion(ctx context.Context, agentGoalKey, text string) (int, string, error)

	// LatestInstructionVersion returns the most recently appended
	// instruction text and its sha256 prefix, if any exist.
	LatestInstructionVersion(ctx context.Context, agentGoalKey string) (text, shaPrefix string, ok bool, err error)
}
