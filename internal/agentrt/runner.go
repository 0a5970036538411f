// Package agentrt is the per-agent control loop: a single-threaded
// cooperative cycle of directive handling, liveness, spending-cap
// gating, instruction reload, and task work, run in one process per
// agent. Structurally grounded on a checkpoint/resume style loop runner
// (generalized here to phase gating) and a heartbeat-ticker texture
// repurposed from agent liveness to task lease liveness during long
// oracle calls.
package agentrt

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/heartbeat"
	"github.com/basket/orchestra/internal/memory"
	"github.com/basket/orchestra/internal/oracle"
	"github.com/basket/orchestra/internal/store"
)

// Runner drives one agent's control loop.
type Runner struct {
	cfg    Config
	store  store.Store
	oracle oracle.Client
	memory *memory.Log
	logger *zap.Logger

	active atomic.Bool

	instructionsText    string
	lastInstructionPoll time.Time
	forceReparse        bool

	lastDirectivePoll time.Time
	paused            bool
	inBackoff         bool
}

// New constructs a Runner. The memory log is hydrated by the caller
// before Run, if a prior snapshot should be resumed.
func New(cfg Config, st store.Store, oc oracle.Client, logger *zap.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:    cfg,
		store:  st,
		oracle: oc,
		memory: memory.NewLog(cfg.MemoryCap),
		logger: logger.With(zap.String("agent", cfg.AgentName), zap.String("goal_id", cfg.GoalID)),
	}
	r.active.Store(true)
	return r
}

// Memory exposes the agent's bounded log, mainly for tests and for
// seeding a snapshot at startup.
func (r *Runner) Memory() *memory.Log { return r.memory }

// Stop clears the active flag; the loop exits at the next iteration
// boundary and performs its shutdown sequence.
func (r *Runner) Stop() { r.active.Store(false) }

// Run executes cycles until Stop is called or ctx is cancelled, then
// performs the shutdown sequence: final memory snapshot and
// deregistration.
func (r *Runner) Run(ctx context.Context) error {
	for r.active.Load() && ctx.Err() == nil {
		if err := r.Cycle(ctx); err != nil {
			r.logger.Error("agent cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.LoopInterval):
		}
	}
	return r.shutdown(ctx)
}

func (r *Runner) shutdown(ctx context.Context) error {
	if err := r.store.StoreMemorySnapshot(ctx, r.cfg.AgentName, r.memory.Snapshot()); err != nil {
		r.logger.Warn("final memory snapshot failed", zap.Error(err))
	}
	if err := r.store.DeregisterAgent(ctx, r.cfg.AgentName); err != nil {
		r.logger.Warn("deregister failed", zap.Error(err))
	}
	r.logger.Info("agent shut down")
	return nil
}

// Cycle runs exactly one iteration of the control loop: directive
// phase, liveness, backoff gate, instruction reload, and (if eligible)
// the work phase.
func (r *Runner) Cycle(ctx context.Context) error {
	r.directivePhase(ctx)

	if err := r.store.HeartbeatAgent(ctx, r.cfg.AgentName, r.cfg.HeartbeatTTL); err != nil {
		r.logger.Warn("heartbeat publish failed", zap.Error(err))
	}

	backoff, err := r.checkSpendingCapGate(ctx)
	if err != nil {
		return err
	}
	if backoff {
		return nil
	}

	r.reloadInstructions(ctx)

	if r.paused {
		r.logger.Debug("agent paused, skipping work phase")
		return nil
	}
	return r.WorkCycle(ctx)
}

// directivePhase polls the heartbeat file on the configured interval
// and applies every directive found. Reads are idempotent: directives
// are declarative, re-applied every poll, never consumed.
func (r *Runner) directivePhase(ctx context.Context) {
	if time.Since(r.lastDirectivePoll) < r.cfg.HeartbeatInterval && !r.lastDirectivePoll.IsZero() {
		return
	}
	r.lastDirectivePoll = time.Now()

	directives, err := heartbeat.Read(r.cfg.HeartbeatPath)
	if err != nil {
		r.logger.Warn("heartbeat read failed", zap.Error(err))
		return
	}
	for _, d := range directives {
		r.applyDirective(ctx, d)
	}
}

func (r *Runner) applyDirective(ctx context.Context, d heartbeat.Directive) {
	switch d.Command {
	case heartbeat.CmdPause:
		r.paused = true
	case heartbeat.CmdResume:
		r.paused = false
	case heartbeat.CmdReparse:
		r.forceReparse = true
	case heartbeat.CmdDropTask:
		taskID, ok := d.TaskID()
		if !ok {
			return
		}
		r.dropTask(ctx, taskID)
	case heartbeat.CmdElevate:
		taskID, priority, ok := d.Elevate()
		if !ok {
			return
		}
		r.elevateTask(ctx, taskID, priority)
	case heartbeat.CmdFlushMem:
		r.memory.Flush()
		if err := r.store.StoreMemorySnapshot(ctx, r.cfg.AgentName, nil); err != nil {
			r.logger.Warn("flush-memory snapshot failed", zap.Error(err))
		}
	}
}

func (r *Runner) dropTask(ctx context.Context, taskID string) {
	state, ok, err := r.store.GetTaskState(ctx, taskID)
	if err != nil {
		r.logger.Warn("drop-task read failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	state.Status = domain.StatusReady
	state.Owner = ""
	state.LeaseExpires = time.Time{}
	if err := r.store.UpdateTaskState(ctx, taskID, state); err != nil {
		r.logger.Warn("drop-task update failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if err := r.store.ReleaseLock(ctx, taskID, r.cfg.AgentName); err != nil && err != store.ErrLockHeld {
		r.logger.Warn("drop-task lock release failed", zap.String("task_id", taskID), zap.Error(err))
	}
	r.logger.Info("directive: dropped task to READY", zap.String("task_id", taskID))
}

func (r *Runner) elevateTask(ctx context.Context, taskID string, priority int) {
	node, ok, err := r.store.GetTaskNode(ctx, r.cfg.GoalID, taskID)
	if err != nil || !ok {
		return
	}
	node.Priority = priority
	if err := r.store.UpdateTaskNode(ctx, r.cfg.GoalID, node); err != nil {
		r.logger.Warn("elevate update failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	r.logger.Info("directive: elevated task priority", zap.String("task_id", taskID), zap.Int("priority", priority))
}

// checkSpendingCapGate reports whether the goal is currently in a
// spending-cap backoff window. Entering and leaving the window is
// logged exactly once per transition.
func (r *Runner) checkSpendingCapGate(ctx context.Context) (bool, error) {
	until, ok, err := r.store.GetGoalSpendingCapUntil(ctx, r.cfg.GoalID)
	if err != nil {
		return false, fmt.Errorf("agentrt: spending cap check: %w", err)
	}
	active := ok && until.After(time.Now())
	if active && !r.inBackoff {
		r.inBackoff = true
		r.logger.Info("entering spending cap backoff", zap.Time("until", until))
	}
	if !active && r.inBackoff {
		r.inBackoff = false
		r.logger.Info("resuming after spending cap backoff")
	}
	return active, nil
}

// reloadInstructions re-reads the instruction file on the configured
// interval (or immediately after a REPARSE directive), appending a new
// ledger version and noting the reload in memory whenever the text
// changed.
func (r *Runner) reloadInstructions(ctx context.Context) {
	elapsed := time.Since(r.lastInstructionPoll) >= r.cfg.InstructionInterval || r.lastInstructionPoll.IsZero()
	if !elapsed && !r.forceReparse {
		return
	}
	r.lastInstructionPoll = time.Now()
	r.forceReparse = false

	raw, err := os.ReadFile(r.cfg.InstructionPath)
	if err != nil {
		r.logger.Warn("instruction file read failed", zap.Error(err))
		return
	}
	text := string(raw)
	if text == r.instructionsText {
		return
	}

	_, shaPrefix, err := r.store.AppendInstructionVersion(ctx, r.cfg.instructionKey(), text)
	if err != nil {
		r.logger.Warn("append instruction version failed", zap.Error(err))
		return
	}
	r.instructionsText = text
	r.memory.Append(fmt.Sprintf("Instructions reloaded (sha %s)", shaPrefix))
}
