// Package memstore is an in-process implementation of store.Store backed
// by plain maps under a mutex. It exists purely for tests: every
// component in this module is built against the store.Store interface so
// a live Redis is never required to exercise C2-C7's logic.
package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/store"
)

type goalGraph struct {
	nodes map[string]domain.Task
	deps  map[string][]string // taskID -> dependency task ids
	order []string            // insertion order, for tie-breaking
}

// Fake is an in-memory store.Store.
type Fake struct {
	mu sync.Mutex

	goals map[string]*goalGraph
	state map[string]domain.State

	locks map[string]lockEntry

	agents     map[string]agentEntry
	heartbeats map[string]time.Time

	memory map[string][]string

	spendingCap map[string]time.Time

	instructions map[string][]instructionVersion

	now func() time.Time
}

type lockEntry struct {
	owner   string
	expires time.Time
}

type agentEntry struct {
	pid          int
	capabilities map[string]string
	registeredAt time.Time
}

type instructionVersion struct {
	text string
	sha  string
	ts   time.Time
}

// New returns an empty Fake. clock may be nil, in which case time.Now is
// used; tests that need deterministic TTL behavior can inject one.
func New(clock func() time.Time) *Fake {
	if clock == nil {
		clock = time.Now
	}
	return &Fake{
		goals:        make(map[string]*goalGraph),
		state:        make(map[string]domain.State),
		locks:        make(map[string]lockEntry),
		agents:       make(map[string]agentEntry),
		heartbeats:   make(map[string]time.Time),
		memory:       make(map[string][]string),
		spendingCap:  make(map[string]time.Time),
		instructions: make(map[string][]instructionVersion),
		now:          clock,
	}
}

func (f *Fake) WriteDAG(_ context.Context, dag domain.DAG) error {
	if dag.GoalID == "" {
		return store.ErrGoalEmpty
	}
	if err := dag.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	g := &goalGraph{
		nodes: make(map[string]domain.Task, len(dag.Nodes)),
		deps:  make(map[string][]string, len(dag.Nodes)),
	}
	for _, n := range dag.Nodes {
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, e := range dag.Edges {
		g.deps[e.Target] = append(g.deps[e.Target], e.Source)
	}
	f.goals[dag.GoalID] = g

	for _, n := range dag.Nodes {
		status := domain.StatusReady
		if len(g.deps[n.ID]) > 0 {
			status = domain.StatusBlocked
		}
		f.state[n.ID] = domain.State{Status: status}
	}
	return nil
}

func (f *Fake) ReadDAG(_ context.Context, goalID string) (domain.DAG, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return domain.DAG{GoalID: goalID}, nil
	}
	d := domain.DAG{GoalID: goalID}
	for _, id := range g.order {
		d.Nodes = append(d.Nodes, g.nodes[id])
	}
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			d.Edges = append(d.Edges, domain.Edge{Source: dep, Target: id})
		}
	}
	return d, nil
}

func (f *Fake) GetTaskNode(_ context.Context, goalID, taskID string) (domain.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return domain.Task{}, false, nil
	}
	n, ok := g.nodes[taskID]
	return n, ok, nil
}

func (f *Fake) UpdateTaskNode(_ context.Context, goalID string, task domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return fmt.Errorf("%w: goal %s", store.ErrNotFound, goalID)
	}
	g.nodes[task.ID] = task
	return nil
}

func (f *Fake) GetTaskState(_ context.Context, taskID string) (domain.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.state[taskID]
	return s, ok, nil
}

func (f *Fake) UpdateTaskState(_ context.Context, taskID string, state domain.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[taskID] = state
	return nil
}

// ListReadyTasks recovers stale tasks first, then returns ids whose state
// is READY or newly-promoted-from-BLOCKED, ordered by descending priority
// with insertion-order tie-breaking.
func (f *Fake) ListReadyTasks(ctx context.Context, goalID string) ([]string, error) {
	if _, err := f.RecoverStaleTasks(ctx, goalID); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return nil, nil
	}

	type candidate struct {
		id       string
		priority int
		seq      int
	}
	var candidates []candidate

	for seq, id := range g.order {
		st, ok := f.state[id]
		if !ok {
			continue
		}
		if st.Status != domain.StatusReady && st.Status != domain.StatusBlocked {
			continue
		}
		deps := g.deps[id]
		satisfied := true
		for _, dep := range deps {
			depState, ok := f.state[dep]
			if !ok || !domain.IsSatisfied(depState.Status) {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if st.Status == domain.StatusBlocked {
			st.Status = domain.StatusReady
			f.state[id] = st
		}
		candidates = append(candidates, candidate{id: id, priority: g.nodes[id].Priority, seq: seq})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

// RecoverStaleTasks is the crash-recovery primitive: any RUNNING/CLAIMED
// task whose lock is absent or whose lease has expired is reset to READY.
func (f *Fake) RecoverStaleTasks(_ context.Context, goalID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return nil, nil
	}
	var recovered []string
	now := f.now()
	for _, id := range g.order {
		st, ok := f.state[id]
		if !ok {
			continue
		}
		if st.Status != domain.StatusRunning && st.Status != domain.StatusClaimed {
			continue
		}
		lock, hasLock := f.locks[id]
		stale := !hasLock || !lock.expires.After(now)
		if !stale {
			continue
		}
		st.Status = domain.StatusReady
		st.Owner = ""
		st.LeaseExpires = time.Time{}
		f.state[id] = st
		delete(f.locks, id)
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (f *Fake) AcquireLock(_ context.Context, taskID, agent string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if existing, ok := f.locks[taskID]; ok && existing.expires.After(now) {
		return false, nil
	}
	f.locks[taskID] = lockEntry{owner: agent, expires: now.Add(ttl)}
	return true, nil
}

func (f *Fake) RenewLock(_ context.Context, taskID, agent string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.locks[taskID]
	if !ok || existing.owner != agent {
		return false, nil
	}
	existing.expires = f.now().Add(ttl)
	f.locks[taskID] = existing
	return true, nil
}

func (f *Fake) ReleaseLock(_ context.Context, taskID, agent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.locks[taskID]
	if !ok || existing.owner != agent {
		return nil
	}
	delete(f.locks, taskID)
	return nil
}

func (f *Fake) LockOwner(_ context.Context, taskID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.locks[taskID]
	if !ok || !existing.expires.After(f.now()) {
		return "", false, nil
	}
	return existing.owner, true, nil
}

func (f *Fake) RegisterAgent(_ context.Context, name string, pid int, capabilities map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[name] = agentEntry{pid: pid, capabilities: capabilities, registeredAt: f.now()}
	return nil
}

func (f *Fake) DeregisterAgent(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.agents, name)
	delete(f.heartbeats, name)
	return nil
}

func (f *Fake) HeartbeatAgent(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[name] = f.now()
	return nil
}

func (f *Fake) AgentLastHeartbeat(_ context.Context, name string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.heartbeats[name]
	return t, ok, nil
}

func (f *Fake) StoreMemorySnapshot(_ context.Context, agent string, entries []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memory[agent] = append([]string(nil), entries...)
	return nil
}

func (f *Fake) LoadMemorySnapshot(_ context.Context, agent string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.memory[agent]...), nil
}

func (f *Fake) SetGoalSpendingCapUntil(_ context.Context, goalID string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.spendingCap[goalID]; ok && existing.After(until) {
		return nil
	}
	f.spendingCap[goalID] = until
	return nil
}

func (f *Fake) GetGoalSpendingCapUntil(_ context.Context, goalID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.spendingCap[goalID]
	if ok && !t.After(f.now()) {
		return time.Time{}, false, nil
	}
	return t, ok, nil
}

func (f *Fake) ClearGoalSpendingCapUntil(_ context.Context, goalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spendingCap, goalID)
	return nil
}

func (f *Fake) CreateRemediationTask(_ context.Context, goalID, qaTaskID, devRole string, cycle, priority int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return "", fmt.Errorf("%w: goal %s", store.ErrNotFound, goalID)
	}
	id := uniqueID(g, fmt.Sprintf("%s__fix_%d", qaTaskID, cycle))
	node := domain.Task{
		ID:       id,
		Title:    fmt.Sprintf("Remediate %s (cycle %d)", qaTaskID, cycle),
		Priority: priority,
		Metadata: map[string]string{
			domain.MetaPhase:        string(domain.PhaseDevelopment),
			domain.MetaRequiredRole: devRole,
			domain.MetaParentTaskID: qaTaskID,
			domain.MetaReviewCycle:  fmt.Sprintf("%d", cycle),
			domain.MetaDevRole:      devRole,
		},
	}
	g.nodes[id] = node
	g.order = append(g.order, id)
	g.deps[qaTaskID] = append(g.deps[qaTaskID], id)
	f.state[id] = domain.State{Status: domain.StatusReady}

	// Re-block the QA task since it now has an unsatisfied dependency.
	qaState := f.state[qaTaskID]
	if qaState.Status != domain.StatusBlocked {
		qaState.Status = domain.StatusBlocked
		f.state[qaTaskID] = qaState
	}
	return id, nil
}

func (f *Fake) CreateRecoveryTask(_ context.Context, goalID, blockedTaskID, ownerRole string, attempt, priority int, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[goalID]
	if !ok {
		return "", fmt.Errorf("%w: goal %s", store.ErrNotFound, goalID)
	}
	id := uniqueID(g, fmt.Sprintf("%s__recover_%d", blockedTaskID, attempt))
	if title == "" {
		title = fmt.Sprintf("Recover %s (attempt %d)", blockedTaskID, attempt)
	}
	node := domain.Task{
		ID:       id,
		Title:    title,
		Priority: priority,
		Metadata: map[string]string{
			domain.MetaPhase:           string(domain.PhaseDevelopment),
			domain.MetaRequiredRole:    ownerRole,
			domain.MetaRecoveryFor:     blockedTaskID,
			domain.MetaRecoveryAttempt: strconv.Itoa(attempt),
		},
	}
	g.nodes[id] = node
	g.order = append(g.order, id)
	g.deps[blockedTaskID] = append(g.deps[blockedTaskID], id)
	f.state[id] = domain.State{Status: domain.StatusReady}

	blockedState := f.state[blockedTaskID]
	if blockedState.Status != domain.StatusBlocked {
		blockedState.Status = domain.StatusBlocked
		f.state[blockedTaskID] = blockedState
	}
	return id, nil
}

// uniqueID suffixes base with "_2", "_3", ... on collision, for
// remediation/recovery node ids.
func uniqueID(g *goalGraph, base string) string {
	if _, ok := g.nodes[base]; !ok {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if _, ok := g.nodes[candidate]; !ok {
			return candidate
		}
	}
}

func (f *Fake) AppendInstructionVersion(_ context.Context, agentGoalKey, text string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := sha256.Sum256([]byte(text))
	shaPrefix := hex.EncodeToString(sum[:])[:12]
	f.instructions[agentGoalKey] = append(f.instructions[agentGoalKey], instructionVersion{
		text: text, sha: shaPrefix, ts: f.now(),
	})
	return len(f.instructions[agentGoalKey]) - 1, shaPrefix, nil
}

func (f *Fake) LatestInstructionVersion(_ context.Context, agentGoalKey string) (string, string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.instructions[agentGoalKey]
	if len(versions) == 0 {
		return "", "", false, nil
	}
	last := versions[len(versions)-1]
	return last.text, last.sha, true, nil
}

var _ store.Store = (*Fake)(nil)
