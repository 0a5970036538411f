package agentrt

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/oracle"
)

// recoverFailure implements the non-QA recovery path: classify the
// error, either fail the task outright (attempts exhausted or judged
// unrecoverable) or spin up a recovery task that blocks the original.
// The paths that write a final state release the task's lock
// themselves; on an error return, executeNode's deferred release does.
func (r *Runner) recoverFailure(ctx context.Context, node domain.Task, errMsg string) error {
	attempts := metaInt(node.Metadata, domain.MetaRecoveryAttempts, 0)
	if attempts >= MaxRecoveryAttempts {
		if err := r.writeFailed(ctx, node, errMsg); err != nil {
			return err
		}
		return r.releaseLock(ctx, node.ID)
	}

	recoverable, err := r.classifyRecoverable(ctx, node, errMsg)
	if err != nil {
		return err
	}
	if !recoverable {
		if err := r.writeFailed(ctx, node, errMsg); err != nil {
			return err
		}
		return r.releaseLock(ctx, node.ID)
	}

	newAttempts := attempts + 1
	if node.Metadata == nil {
		node.Metadata = map[string]string{}
	}
	node.Metadata[domain.MetaRecoveryAttempts] = strconv.Itoa(newAttempts)
	if err := r.store.UpdateTaskNode(ctx, r.cfg.GoalID, node); err != nil {
		return fmt.Errorf("agentrt: persist recovery_attempts: %w", err)
	}

	ownerRole := node.Metadata[domain.MetaRequiredRole]
	if ownerRole == "" {
		ownerRole = r.cfg.AgentRole
	}
	recoveryTitle := fmt.Sprintf("Recover %s (attempt %d)", node.ID, newAttempts)
	_, err = r.store.CreateRecoveryTask(ctx, r.cfg.GoalID, node.ID, ownerRole, newAttempts, nonNegative(node.Priority+2), recoveryTitle)
	if err != nil {
		return fmt.Errorf("agentrt: create recovery task: %w", err)
	}

	progress := fmt.Sprintf("Recoverable failure on %s; created remediation task (attempt %d/%d).", node.ID, newAttempts, MaxRecoveryAttempts)
	state, _, err := r.store.GetTaskState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("agentrt: get task state: %w", err)
	}
	state = state.AsBlocked(progress, errMsg)
	if err := r.store.UpdateTaskState(ctx, node.ID, state); err != nil {
		return fmt.Errorf("agentrt: write blocked state: %w", err)
	}

	r.memory.Append(progress)
	r.snapshotMemory(ctx)
	return r.releaseLock(ctx, node.ID)
}

func (r *Runner) writeFailed(ctx context.Context, node domain.Task, errMsg string) error {
	state, _, err := r.store.GetTaskState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("agentrt: get task state: %w", err)
	}
	state = state.AsFailed(errMsg)
	if err := r.store.UpdateTaskState(ctx, node.ID, state); err != nil {
		return fmt.Errorf("agentrt: write failed state: %w", err)
	}
	r.memory.Append(fmt.Sprintf("%s: FAILED (%s)", node.ID, domain.TruncateError(errMsg)))
	r.snapshotMemory(ctx)
	return nil
}

// classifyRecoverable applies the deterministic pattern table first,
// falling back to the oracle's own judgment gated by a confidence floor.
func (r *Runner) classifyRecoverable(ctx context.Context, node domain.Task, errMsg string) (bool, error) {
	if oracle.IsDeterministicallyRecoverable(errMsg) {
		return true, nil
	}
	assessment, err := r.oracle.AssessRecovery(ctx, r.cfg.GoalID, node, errMsg)
	if err != nil {
		r.logger.Warn("assess_recovery call failed, treating as unrecoverable", zap.Error(err))
		return false, nil
	}
	return assessment.Recoverable && assessment.Confidence >= MinRecoveryConfidence, nil
}

// qaRemediation implements the QA remediation loop: increment the
// review cycle, pick (or escalate) the responsible developer role, and
// create a remediation task blocking the QA node.
func (r *Runner) qaRemediation(ctx context.Context, node domain.Task, summary string) error {
	cycle := metaInt(node.Metadata, domain.MetaReviewCycle, 0) + 1
	if node.Metadata == nil {
		node.Metadata = map[string]string{}
	}
	node.Metadata[domain.MetaReviewCycle] = strconv.Itoa(cycle)

	devRole := node.Metadata[domain.MetaDevRole]
	if devRole == "" {
		devRole = r.cfg.AgentRole
	}
	if cycle > ReviewCycleEscalation {
		if manager := node.Metadata[domain.MetaManagerRole]; manager != "" {
			devRole = manager
		}
	}

	if err := r.store.UpdateTaskNode(ctx, r.cfg.GoalID, node); err != nil {
		return fmt.Errorf("agentrt: persist review_cycle: %w", err)
	}

	_, err := r.store.CreateRemediationTask(ctx, r.cfg.GoalID, node.ID, devRole, cycle, nonNegative(node.Priority+1))
	if err != nil {
		return fmt.Errorf("agentrt: create remediation task: %w", err)
	}

	state, _, err := r.store.GetTaskState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("agentrt: get task state: %w", err)
	}
	state = state.AsBlocked(summary, "")
	state.Artifacts = nil
	if err := r.store.UpdateTaskState(ctx, node.ID, state); err != nil {
		return fmt.Errorf("agentrt: write blocked state: %w", err)
	}

	r.memory.Append(fmt.Sprintf("QA failed %s: cycle %d", node.ID, cycle))
	r.snapshotMemory(ctx)
	return r.releaseLock(ctx, node.ID)
}

func metaInt(meta map[string]string, key string, fallback int) int {
	if meta == nil {
		return fallback
	}
	raw, ok := meta[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
