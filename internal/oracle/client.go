// Package oracle is the typed facade over the external LLM (C5): five
// structured RPCs, each validated against an exact-key-set JSON schema,
// retried with a corrective prompt on malformed output, and guarded by
// spending-cap backoff detection.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/basket/orchestra/internal/domain"
)

// ErrMalformedResponse is returned once retries are exhausted and the
// oracle still has not produced a response matching the expected schema.
var ErrMalformedResponse = errors.New("oracle: response did not match expected schema after retries")

// ErrNoSelection marks a SelectNextTask call that legitimately found
// nothing to do, as distinct from a real transport failure. No client in
// this package returns it, and the agent runtime does not check for it.
var ErrNoSelection = errors.New("oracle: no task selected")

// TaskSelection is the result of select_next_task.
type TaskSelection struct {
	SelectedTaskID string  `json:"selected_task_id"`
	Justification  string  `json:"justification"`
	Confidence     float64 `json:"confidence"`
}

// ExecutionStatus is the closed set of execute_task outcomes.
type ExecutionStatus string

const (
	ExecStatusDone    ExecutionStatus = "done"
	ExecStatusFailed  ExecutionStatus = "failed"
	ExecStatusBlocked ExecutionStatus = "blocked"
)

// ExecutionResult is the result of execute_task.
type ExecutionResult struct {
	Status    ExecutionStatus `json:"status"`
	Outputs   []string        `json:"outputs"`
	Notes     string          `json:"notes"`
	FollowUps []string        `json:"follow_ups"`
}

// RecoveryAssessment is the result of assess_recovery.
type RecoveryAssessment struct {
	Recoverable      bool     `json:"recoverable"`
	Reason           string   `json:"reason"`
	RemediationTitle string   `json:"remediation_title"`
	RemediationSteps []string `json:"remediation_steps"`
	Confidence       float64  `json:"confidence"`
}

// SpendingCapFunc is invoked by a Client immediately before it sleeps out
// a detected spending-cap backoff, so the caller can publish a goal-wide
// deadline (store.SetGoalSpendingCapUntil) before the client blocks.
type SpendingCapFunc func(goalID string, sleepDuration time.Duration)

// Client is the oracle facade every agent and the coordinator talk to.
// Implementations: CLIClient (subprocess transport), GenkitClient
// (embedded-model transport), StubClient (deterministic test double).
type Client interface {
	CreateGoalDAG(ctx context.Context, goalID, instructions string) (domain.DAG, error)
	SelectNextTask(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (TaskSelection, error)
	ExecuteTask(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (ExecutionResult, error)
	SummarizeTask(ctx context.Context, goalID string, node domain.Task, result ExecutionResult) (string, error)
	AssessRecovery(ctx context.Context, goalID string, node domain.Task, errMsg string) (RecoveryAssessment, error)
}
