// Package domain holds the value types shared by every component: task
// nodes, edges, DAGs, mutable task state, and agent descriptors. Nothing
// here talks to storage or the network; it is pure data plus pure helpers.
package domain

import (
	"fmt"
	"time"
)

// Status is the closed set of states a task can occupy.
type Status string

const (
	StatusReady      Status = "READY"
	StatusClaimed    Status = "CLAIMED"
	StatusRunning    Status = "RUNNING"
	StatusBlocked    Status = "BLOCKED"
	StatusDevDone    Status = "DEV_DONE"
	StatusQAFailed   Status = "QA_FAILED"
	StatusQAPassed   Status = "QA_PASSED"
	StatusIntegrated Status = "INTEGRATED"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// Phase is the reserved metadata["phase"] value on a task node.
type Phase string

const (
	PhaseDevelopment Phase = "development"
	PhaseQA          Phase = "qa"
	PhaseIntegration Phase = "integration"
)

// Reserved metadata keys.
const (
	MetaPhase              = "phase"
	MetaRequiredRole        = "required_role"
	MetaParentTaskID        = "parent_task_id"
	MetaReviewCycle         = "review_cycle"
	MetaDevRole             = "dev_role"
	MetaManagerRole         = "manager_role"
	MetaRecoveryAttempts    = "recovery_attempts"
	MetaRecoveryAttempt     = "recovery_attempt"
	MetaRecoveryFor         = "recovery_for"
	MetaLastRecoveryReason  = "last_recovery_reason"
)

// Task is a node in a goal's DAG.
type Task struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Priority          int               `json:"priority"`
	ExpectedArtifacts []string          `json:"expected_artifacts,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Edge is a directed dependency: Target depends on Source being satisfied.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// DAG is the full task graph for one goal.
type DAG struct {
	GoalID string `json:"goal_id"`
	Nodes  []Task `json:"nodes"`
	Edges  []Edge `json:"edges"`
}

// State is the mutable record attached to one task id.
type State struct {
	Status       Status    `json:"status"`
	Owner        string    `json:"owner,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitempty"`
	Progress     string    `json:"progress,omitempty"`
	Artifacts    []string  `json:"artifacts,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// AsRunning returns a copy transitioned to RUNNING with owner and lease set.
func (s State) AsRunning(owner string, leaseExpires time.Time) State {
	s.Status = StatusRunning
	s.Owner = owner
	s.LeaseExpires = leaseExpires
	return s
}

// AsDone returns a copy transitioned to the given terminal-ish status with
// progress/artifacts recorded and ownership cleared.
func (s State) AsDone(status Status, progress string, artifacts []string) State {
	s.Status = status
	s.Progress = progress
	s.Artifacts = append([]string(nil), artifacts...)
	s.Owner = ""
	s.LeaseExpires = time.Time{}
	return s
}

// AsFailed returns a copy transitioned to FAILED with the error recorded and
// ownership cleared.
func (s State) AsFailed(errMsg string) State {
	s.Status = StatusFailed
	s.LastError = TruncateError(errMsg)
	s.Owner = ""
	s.LeaseExpires = time.Time{}
	return s
}

// AsBlocked returns a copy transitioned to BLOCKED, recording progress and
// an optional error, with ownership cleared.
func (s State) AsBlocked(progress, errMsg string) State {
	s.Status = StatusBlocked
	s.Progress = progress
	s.LastError = TruncateError(errMsg)
	s.Owner = ""
	s.LeaseExpires = time.Time{}
	return s
}

// MaxLastErrorLen bounds the stored last_error field.
const MaxLastErrorLen = 600

// TruncateError bounds err to MaxLastErrorLen runes.
func TruncateError(errMsg string) string {
	runes := []rune(errMsg)
	if len(runes) <= MaxLastErrorLen {
		return errMsg
	}
	return string(runes[:MaxLastErrorLen])
}

// satisfiedStatuses is the set of statuses that count as "satisfied" for
// dependency purposes.
var satisfiedStatuses = map[Status]bool{
	StatusDevDone:    true,
	StatusQAPassed:   true,
	StatusIntegrated: true,
	StatusDone:       true,
}

// IsSatisfied reports whether status counts as satisfied for dependents.
func IsSatisfied(status Status) bool {
	return satisfiedStatuses[status]
}

// terminalStatuses is the set of statuses a task never leaves on its own.
var terminalStatuses = map[Status]bool{
	StatusDone:   true,
	StatusFailed: true,
}

// IsTerminal reports whether status is a terminal status (DONE or FAILED).
func IsTerminal(status Status) bool {
	return terminalStatuses[status]
}

// AgentDescriptor is one agent entry parsed from an instruction document.
type AgentDescriptor struct {
	Name             string
	Role             string
	GoalID           string
	InstructionsPath string
	HeartbeatPath    string
	LogLevel         string
	CadenceSeconds   int
}

// CName returns the canonical name used to key spawn bookkeeping.
func (a AgentDescriptor) CName() string {
	return fmt.Sprintf("%s:%s", a.Name, a.GoalID)
}
