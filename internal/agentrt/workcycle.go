package agentrt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/oracle"
)

// phaseTransitions maps a completed task's phase to its new status on a
// successful execute_task. Unknown/empty phases map to DONE.
var phaseTransitions = map[domain.Phase]domain.Status{
	domain.PhaseDevelopment: domain.StatusDevDone,
	domain.PhaseQA:          domain.StatusQAPassed,
	domain.PhaseIntegration: domain.StatusDone,
}

func nextStatusForPhase(phase string) domain.Status {
	if status, ok := phaseTransitions[domain.Phase(phase)]; ok {
		return status
	}
	return domain.StatusDone
}

// WorkCycle implements the per-cycle work phase: select a task, claim
// it, execute it, and apply the resulting transition.
func (r *Runner) WorkCycle(ctx context.Context) error {
	readyIDs, err := r.store.ListReadyTasks(ctx, r.cfg.GoalID)
	if err != nil {
		return fmt.Errorf("agentrt: list ready tasks: %w", err)
	}
	if len(readyIDs) == 0 {
		r.logger.Debug("no ready tasks")
		return nil
	}

	eligible, err := r.eligibleNodes(ctx, readyIDs)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		r.logger.Debug("no eligible tasks for role", zap.String("role", r.cfg.AgentRole))
		return nil
	}

	selection, err := r.oracle.SelectNextTask(ctx, r.cfg.GoalID, r.instructionsText, eligible, r.memory.Snapshot())
	if err != nil {
		return fmt.Errorf("agentrt: select_next_task: %w", err)
	}

	node, ok := taskByID(eligible, selection.SelectedTaskID)
	if !ok {
		r.logger.Debug("oracle selected nothing eligible", zap.String("selected", selection.SelectedTaskID))
		return nil
	}

	acquired, err := r.store.AcquireLock(ctx, node.ID, r.cfg.AgentName, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("agentrt: acquire lock: %w", err)
	}
	if !acquired {
		r.logger.Debug("lock held by another agent", zap.String("task_id", node.ID))
		return nil
	}

	state, _, err := r.store.GetTaskState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("agentrt: get task state: %w", err)
	}
	state = state.AsRunning(r.cfg.AgentName, time.Now().Add(r.cfg.LeaseTTL))
	if err := r.store.UpdateTaskState(ctx, node.ID, state); err != nil {
		return fmt.Errorf("agentrt: write running state: %w", err)
	}

	return r.executeNode(ctx, node)
}

// executeNode runs execute_task for node with a lease-renewal goroutine
// alive for the duration of the call, then dispatches to the success,
// QA-remediation, or recovery path. The lock is always released before
// returning.
func (r *Runner) executeNode(ctx context.Context, node domain.Task) error {
	defer func() {
		_ = r.store.ReleaseLock(ctx, node.ID, r.cfg.AgentName)
	}()
	renewCtx, stopRenewal := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		r.renewLeaseDuring(renewCtx, node.ID)
	}()
	result, execErr := r.oracle.ExecuteTask(ctx, r.cfg.GoalID, r.instructionsText, node, r.memory.Snapshot())
	stopRenewal()
	<-renewDone

	if execErr != nil {
		return r.recoverFailure(ctx, node, execErr.Error())
	}

	phase := node.Metadata[domain.MetaPhase]
	switch result.Status {
	case oracle.ExecStatusDone:
		return r.completeSuccess(ctx, node, result, phase)
	case oracle.ExecStatusFailed:
		if phase == string(domain.PhaseQA) {
			return r.qaRemediation(ctx, node, result.Notes)
		}
		return r.recoverFailure(ctx, node, result.Notes)
	case oracle.ExecStatusBlocked:
		return r.recoverFailure(ctx, node, result.Notes)
	default:
		return r.recoverFailure(ctx, node, fmt.Sprintf("unrecognized execution status %q", result.Status))
	}
}

// renewLeaseDuring renews taskID's lock and extends its state's
// lease_expires at lease_ttl/3 intervals until ctx is cancelled, so a
// long execute_task call (including a spending-cap wait inside the
// oracle client) doesn't lose the lock to recover_stale_tasks.
func (r *Runner) renewLeaseDuring(ctx context.Context, taskID string) {
	interval := r.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := r.store.RenewLock(ctx, taskID, r.cfg.AgentName, r.cfg.LeaseTTL)
			if err != nil {
				r.logger.Warn("lease renewal failed", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			if !renewed {
				r.logger.Warn("lease renewal lost ownership", zap.String("task_id", taskID))
				return
			}
			state, ok, err := r.store.GetTaskState(ctx, taskID)
			if err == nil && ok && state.Status == domain.StatusRunning && state.Owner == r.cfg.AgentName {
				state.LeaseExpires = time.Now().UTC().Add(r.cfg.LeaseTTL)
				if err := r.store.UpdateTaskState(ctx, taskID, state); err != nil {
					r.logger.Warn("lease_expires extension failed", zap.String("task_id", taskID), zap.Error(err))
				}
			}
		}
	}
}

func (r *Runner) completeSuccess(ctx context.Context, node domain.Task, result oracle.ExecutionResult, phase string) error {
	summary, err := r.oracle.SummarizeTask(ctx, r.cfg.GoalID, node, result)
	if err != nil {
		return r.recoverFailure(ctx, node, err.Error())
	}

	newStatus := nextStatusForPhase(phase)
	state, _, err := r.store.GetTaskState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("agentrt: get task state: %w", err)
	}
	state = state.AsDone(newStatus, summary, result.Outputs)
	if err := r.store.UpdateTaskState(ctx, node.ID, state); err != nil {
		return fmt.Errorf("agentrt: write done state: %w", err)
	}

	r.memory.Append(fmt.Sprintf("%s: %s -> %s", node.ID, phase, newStatus))
	r.snapshotMemory(ctx)
	return r.releaseLock(ctx, node.ID)
}

func (r *Runner) releaseLock(ctx context.Context, taskID string) error {
	if err := r.store.ReleaseLock(ctx, taskID, r.cfg.AgentName); err != nil {
		return fmt.Errorf("agentrt: release lock: %w", err)
	}
	return nil
}

func (r *Runner) snapshotMemory(ctx context.Context) {
	if err := r.store.StoreMemorySnapshot(ctx, r.cfg.AgentName, r.memory.Snapshot()); err != nil {
		r.logger.Warn("memory snapshot failed", zap.Error(err))
	}
}

func (r *Runner) eligibleNodes(ctx context.Context, ids []string) ([]domain.Task, error) {
	var eligible []domain.Task
	for _, id := range ids {
		node, ok, err := r.store.GetTaskNode(ctx, r.cfg.GoalID, id)
		if err != nil {
			return nil, fmt.Errorf("agentrt: get task node %s: %w", id, err)
		}
		if !ok {
			continue
		}
		required := node.Metadata[domain.MetaRequiredRole]
		if required != "" && required != r.cfg.AgentRole {
			continue
		}
		state, ok, err := r.store.GetTaskState(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("agentrt: get task state %s: %w", id, err)
		}
		if ok && domain.IsTerminal(state.Status) {
			continue
		}
		eligible = append(eligible, node)
	}
	return eligible, nil
}

func taskByID(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}
