// Package coordinator runs the reconcile loop: parsing instructions,
// generating and role-expanding each goal's DAG, recovering stale tasks
// once per goal, and spawning the agent process hierarchy. Grounded
// structurally on the wave-based DAG execution shape of a
// Kahn's-algorithm plan executor, generalized here from running
// chat-task plans to reconciling goal task graphs, and on a diff-based
// disappeared-agent handling pattern (compare the current descriptor
// set against previously spawned names, log the gap, never kill).
package coordinator

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/bus"
	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/instructions"
	"github.com/basket/orchestra/internal/oracle"
	"github.com/basket/orchestra/internal/spawn"
	"github.com/basket/orchestra/internal/store"
)

// DefaultPollInterval is the reconcile loop's default cadence.
const DefaultPollInterval = 10 * time.Second

// Config configures a Coordinator.
type Config struct {
	InstructionsPath string
	PollInterval     time.Duration
	CoordinatorPID   int
	Spawn            SpawnConfig
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CoordinatorPID == 0 {
		c.CoordinatorPID = os.Getpid()
	}
	return c
}

// Coordinator runs the reconcile loop across every goal named in the
// instruction document.
type Coordinator struct {
	cfg            Config
	store          store.Store
	oracle         oracle.Client
	spawner        spawn.Adapter
	logger         *zap.Logger
	events         publisher
	spawned        *spawnBook
	coordinatorPID int

	recoveredGoals map[string]bool
}

// New constructs a Coordinator. eventBus may be nil; a nil bus makes
// event publishing a no-op.
func New(cfg Config, st store.Store, oc oracle.Client, spawner spawn.Adapter, eventBus *bus.Bus, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:            cfg,
		store:          st,
		oracle:         oc,
		spawner:        spawner,
		logger:         logger,
		events:         newPublisher(eventBus),
		spawned:        newSpawnBook(),
		coordinatorPID: cfg.CoordinatorPID,
		recoveredGoals: make(map[string]bool),
	}
}

// Run executes Reconcile on PollInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Error("reconcile cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Reconcile parses instructions, creates any missing goal DAG, recovers stale
// tasks once per goal, and spawns the agent process hierarchy. An instruction
// parse error aborts the cycle (logged) but never the process.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	raw, err := os.ReadFile(c.cfg.InstructionsPath)
	if err != nil {
		return fmt.Errorf("coordinator: read instructions: %w", err)
	}
	descriptors, err := instructions.Parse(string(raw))
	if err != nil {
		c.logger.Warn("instruction parse failed, aborting cycle", zap.Error(err))
		return nil
	}

	for goalID, goalDescriptors := range instructions.GroupByGoal(descriptors) {
		if err := c.reconcileGoal(ctx, goalID, goalDescriptors); err != nil {
			c.logger.Error("goal reconcile failed", zap.String("goal_id", goalID), zap.Error(err))
		}
	}
	return nil
}

// ReconcileGoal re-runs reconciliation for a single goal, independent of
// the poll loop's cadence. It re-reads the instruction document so a
// cron-triggered kick always sees the latest roster. Used by
// internal/cronjobs to supplement the plain poll-interval loop with a
// per-goal schedule.
func (c *Coordinator) ReconcileGoal(ctx context.Context, goalID string) error {
	raw, err := os.ReadFile(c.cfg.InstructionsPath)
	if err != nil {
		return fmt.Errorf("coordinator: read instructions: %w", err)
	}
	descriptors, err := instructions.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("coordinator: parse instructions: %w", err)
	}
	grouped := instructions.GroupByGoal(descriptors)
	goalDescriptors, ok := grouped[goalID]
	if !ok {
		return fmt.Errorf("coordinator: goal %s not present in instructions", goalID)
	}
	return c.reconcileGoal(ctx, goalID, goalDescriptors)
}

func (c *Coordinator) reconcileGoal(ctx context.Context, goalID string, descriptors []domain.AgentDescriptor) error {
	dag, err := c.store.ReadDAG(ctx, goalID)
	if err != nil {
		return fmt.Errorf("read dag: %w", err)
	}
	if len(dag.Nodes) == 0 {
		if err := c.createGoalDAG(ctx, goalID, descriptors); err != nil {
			return err
		}
	}

	if !c.recoveredGoals[goalID] {
		recovered, err := c.store.RecoverStaleTasks(ctx, goalID)
		if err != nil {
			return fmt.Errorf("recover stale tasks: %w", err)
		}
		c.recoveredGoals[goalID] = true
		c.logger.Sugar().Infow("resume summary", "goal_id", goalID, "recovered_task_ids", recovered)
	}

	if err := c.spawnGoalHierarchy(ctx, goalID, descriptors); err != nil {
		return fmt.Errorf("spawn hierarchy: %w", err)
	}
	c.logDisappearedAgents(descriptors)
	return nil
}

// createGoalDAG picks a planner, publishes its instructions into the
// version ledger, calls create_goal_dag, applies the role-workflow
// expansion, validates, and writes the result.
func (c *Coordinator) createGoalDAG(ctx context.Context, goalID string, descriptors []domain.AgentDescriptor) error {
	planner := pickPlanner(descriptors)
	text, err := os.ReadFile(planner.InstructionsPath)
	if err != nil {
		return fmt.Errorf("read planner instructions: %w", err)
	}

	if _, _, err := c.store.AppendInstructionVersion(ctx, planner.CName(), string(text)); err != nil {
		return fmt.Errorf("publish planner instructions: %w", err)
	}

	dag, err := createValidatedDAG(ctx, c.oracle, goalID, string(text), descriptors)
	if err != nil {
		return err
	}

	if err := c.store.WriteDAG(ctx, dag); err != nil {
		return fmt.Errorf("write dag: %w", err)
	}

	waves, _ := dag.TopoWaves()
	c.events.dagCreated(goalID, len(dag.Nodes), len(waves))
	c.logger.Sugar().Infow("created goal dag", "goal_id", goalID, "nodes", len(dag.Nodes), "waves", len(waves))
	return nil
}

// pickPlanner picks the first manager-classified descriptor, falling
// back to the first descriptor overall.
func pickPlanner(descriptors []domain.AgentDescriptor) domain.AgentDescriptor {
	for _, d := range descriptors {
		if Classify(d) == RoleManager {
			return d
		}
	}
	return descriptors[0]
}
