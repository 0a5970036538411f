package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/spawn"
)

// SpawnConfig carries the flags every spawned agent process needs on its
// command line that the external supervisor process expects.
type SpawnConfig struct {
	Executable          string
	RedisURL            string
	LoopIntervalSec     int
	HeartbeatIntervalSec int
	InstructionIntervalSec int
	OracleArgs          []string // provider flags, passed through verbatim
}

// spawnBook remembers the PID assigned to each agent name so repeated
// reconcile cycles never re-spawn an already-running agent.
type spawnBook struct {
	mu   sync.Mutex
	pids map[string]int
}

func newSpawnBook() *spawnBook {
	return &spawnBook{pids: make(map[string]int)}
}

func (b *spawnBook) get(name string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pid, ok := b.pids[name]
	return pid, ok
}

func (b *spawnBook) set(name string, pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pids[name] = pid
}

// knownNames returns every agent name the book has ever recorded.
func (b *spawnBook) knownNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.pids))
	for n := range b.pids {
		names = append(names, n)
	}
	return names
}

// buildSpawnRequest constructs the supervisor spawn request for one
// agent descriptor.
func buildSpawnRequest(d domain.AgentDescriptor, parentPID int, cfg SpawnConfig) spawn.Request {
	args := []string{
		"--role", "agent",
		"--agent-name", d.Name,
		"--agent-role", d.Role,
		"--goal-id", d.GoalID,
		"--instructions", d.InstructionsPath,
		"--heartbeat", d.HeartbeatPath,
		"--redis-url", cfg.RedisURL,
		"--log-level", d.LogLevel,
		"--loop-interval", strconv.Itoa(firstNonZero(cfg.LoopIntervalSec, 5)),
		"--heartbeat-interval", strconv.Itoa(firstNonZero(cfg.HeartbeatIntervalSec, 10)),
		"--instruction-interval", strconv.Itoa(firstNonZero(cfg.InstructionIntervalSec, d.CadenceSeconds)),
	}
	args = append(args, cfg.OracleArgs...)

	return spawn.Request{
		Name:       d.CName(),
		ParentPID:  parentPID,
		LogLevel:   d.LogLevel,
		Executable: cfg.Executable,
		Args:       args,
	}
}

func firstNonZero(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// identifyOwnerAndLead locates the owner and team-lead descriptors by
// role/name convention: "owner" names the owner; "team-lead" or "lead"
// (and not already the owner) names the team lead. Either may be absent.
func identifyOwnerAndLead(descriptors []domain.AgentDescriptor) (owner, lead *domain.AgentDescriptor) {
	for i := range descriptors {
		d := &descriptors[i]
		stem := strings.ToLower(d.Role + " " + d.Name)
		if owner == nil && strings.Contains(stem, "owner") {
			owner = d
			continue
		}
		if lead == nil && (strings.Contains(stem, "team-lead") || strings.Contains(stem, "lead")) {
			lead = d
		}
	}
	return owner, lead
}

// spawnGoalHierarchy spawns every descriptor in a goal's roster, chaining
// parent PIDs owner -> team-lead -> everyone else. Each spawn is
// idempotent: an already-recorded name is skipped.
func (c *Coordinator) spawnGoalHierarchy(ctx context.Context, goalID string, descriptors []domain.AgentDescriptor) error {
	owner, lead := identifyOwnerAndLead(descriptors)

	ownerPID := c.coordinatorPID
	if owner != nil {
		pid, err := c.ensureSpawned(ctx, *owner, c.coordinatorPID)
		if err != nil {
			return fmt.Errorf("coordinator: spawn owner %s: %w", owner.Name, err)
		}
		ownerPID = pid
	}

	leadPID := ownerPID
	if lead != nil {
		pid, err := c.ensureSpawned(ctx, *lead, leadPID)
		if err != nil {
			return fmt.Errorf("coordinator: spawn team-lead %s: %w", lead.Name, err)
		}
		leadPID = pid
	}

	for i := range descriptors {
		d := descriptors[i]
		if owner != nil && d.Name == owner.Name {
			continue
		}
		if lead != nil && d.Name == lead.Name {
			continue
		}
		if _, err := c.ensureSpawned(ctx, d, leadPID); err != nil {
			return fmt.Errorf("coordinator: spawn %s: %w", d.Name, err)
		}
	}
	return nil
}

// ensureSpawned spawns d's process if it has not already been spawned
// this coordinator lifetime, recording its PID either way.
func (c *Coordinator) ensureSpawned(ctx context.Context, d domain.AgentDescriptor, parentPID int) (int, error) {
	if pid, ok := c.spawned.get(d.CName()); ok {
		return pid, nil
	}
	req := buildSpawnRequest(d, parentPID, c.cfg.Spawn)
	pid, err := c.spawner.Spawn(ctx, req)
	if err != nil {
		return 0, err
	}
	c.spawned.set(d.CName(), pid)
	c.events.agentSpawned(d.Name, d.GoalID, pid, parentPID)
	c.logger.Sugar().Infow("spawned agent", "name", d.Name, "goal_id", d.GoalID, "pid", pid, "parent_pid", parentPID)
	return pid, nil
}

// logDisappearedAgents reports (but never kills) agents whose names were
// previously spawned but are absent from the current descriptor set.
func (c *Coordinator) logDisappearedAgents(current []domain.AgentDescriptor) {
	seen := make(map[string]bool, len(current))
	for _, d := range current {
		seen[d.CName()] = true
	}
	for _, name := range c.spawned.knownNames() {
		if !seen[name] {
			c.events.agentDisappeared(name)
			c.logger.Sugar().Infow("agent descriptor disappeared, leaving process running", "name", name)
		}
	}
}
