package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/orchestra/internal/domain"
)

// RedisStore is the production Store implementation, keyed exactly per
// the persisted-state layout: dag:<goal>:nodes / dag:<goal>:deps hashes,
// task:<id> / task:<id>:lock, agent:<name>:registered / :heartbeat /
// :memory, goal:<goal>:spending_cap_until, inst:<agent:goal>.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-constructed client. Construction
// (address, password, DB index, dial timeouts) is the caller's concern,
// following the convention of building dependencies once at startup and
// passing them down.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func dagNodesKey(goal string) string          { return fmt.Sprintf("dag:%s:nodes", goal) }
func dagDepsKey(goal string) string           { return fmt.Sprintf("dag:%s:deps", goal) }
func taskKey(id string) string                { return fmt.Sprintf("task:%s", id) }
func taskLockKey(id string) string            { return fmt.Sprintf("task:%s:lock", id) }
func agentRegisteredKey(name string) string   { return fmt.Sprintf("agent:%s:registered", name) }
func agentHeartbeatKey(name string) string    { return fmt.Sprintf("agent:%s:heartbeat", name) }
func agentMemoryKey(name string) string       { return fmt.Sprintf("agent:%s:memory", name) }
func goalSpendingCapKey(goal string) string   { return fmt.Sprintf("goal:%s:spending_cap_until", goal) }
func instructionListKey(agentGoal string) string { return fmt.Sprintf("inst:%s", agentGoal) }

// releaseIfOwnerScript deletes key only if its value equals the given
// owner token, mirroring release_lock's atomic owner check.
var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewIfOwnerScript extends key's TTL only if its value equals the given
// owner token.
var renewIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (r *RedisStore) WriteDAG(ctx context.Context, dag domain.DAG) error {
	if dag.GoalID == "" {
		return ErrGoalEmpty
	}
	if err := dag.Validate(); err != nil {
		return err
	}

	nodesKey := dagNodesKey(dag.GoalID)
	depsKey := dagDepsKey(dag.GoalID)

	depsByNode := make(map[string][]string, len(dag.Nodes))
	for _, e := range dag.Edges {
		depsByNode[e.Target] = append(depsByNode[e.Target], e.Source)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, nodesKey, depsKey)
	for _, n := range dag.Nodes {
		nodeJSON, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("store: marshal node %s: %w", n.ID, err)
		}
		depsJSON, err := json.Marshal(depsByNode[n.ID])
		if err != nil {
			return fmt.Errorf("store: marshal deps for %s: %w", n.ID, err)
		}
		pipe.HSet(ctx, nodesKey, n.ID, nodeJSON)
		pipe.HSet(ctx, depsKey, n.ID, depsJSON)

		status := domain.StatusReady
		if len(depsByNode[n.ID]) > 0 {
			status = domain.StatusBlocked
		}
		stateJSON, err := json.Marshal(domain.State{Status: status})
		if err != nil {
			return fmt.Errorf("store: marshal state for %s: %w", n.ID, err)
		}
		pipe.Set(ctx, taskKey(n.ID), stateJSON, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: write_dag: %w", err)
	}
	return nil
}

func (r *RedisStore) ReadDAG(ctx context.Context, goalID string) (domain.DAG, error) {
	nodesRaw, err := r.rdb.HGetAll(ctx, dagNodesKey(goalID)).Result()
	if err != nil {
		return domain.DAG{}, fmt.Errorf("store: read_dag nodes: %w", err)
	}
	depsRaw, err := r.rdb.HGetAll(ctx, dagDepsKey(goalID)).Result()
	if err != nil {
		return domain.DAG{}, fmt.Errorf("store: read_dag deps: %w", err)
	}

	d := domain.DAG{GoalID: goalID}
	ids := make([]string, 0, len(nodesRaw))
	for id := range nodesRaw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		var n domain.Task
		if err := json.Unmarshal([]byte(nodesRaw[id]), &n); err != nil {
			return domain.DAG{}, fmt.Errorf("store: unmarshal node %s: %w", id, err)
		}
		d.Nodes = append(d.Nodes, n)

		var deps []string
		if raw, ok := depsRaw[id]; ok {
			if err := json.Unmarshal([]byte(raw), &deps); err != nil {
				return domain.DAG{}, fmt.Errorf("store: unmarshal deps %s: %w", id, err)
			}
		}
		for _, dep := range deps {
			d.Edges = append(d.Edges, domain.Edge{Source: dep, Target: id})
		}
	}
	return d, nil
}

func (r *RedisStore) GetTaskNode(ctx context.Context, goalID, taskID string) (domain.Task, bool, error) {
	raw, err := r.rdb.HGet(ctx, dagNodesKey(goalID), taskID).Result()
	if err == redis.Nil {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("store: get_task_node: %w", err)
	}
	var n domain.Task
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return domain.Task{}, false, fmt.Errorf("store: unmarshal node: %w", err)
	}
	return n, true, nil
}

func (r *RedisStore) UpdateTaskNode(ctx context.Context, goalID string, task domain.Task) error {
	nodeJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("store: marshal node %s: %w", task.ID, err)
	}
	if err := r.rdb.HSet(ctx, dagNodesKey(goalID), task.ID, nodeJSON).Err(); err != nil {
		return fmt.Errorf("store: update_task_node: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTaskState(ctx context.Context, taskID string) (domain.State, bool, error) {
	raw, err := r.rdb.Get(ctx, taskKey(taskID)).Result()
	if err == redis.Nil {
		return domain.State{}, false, nil
	}
	if err != nil {
		return domain.State{}, false, fmt.Errorf("store: get_task_state: %w", err)
	}
	var s domain.State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return domain.State{}, false, fmt.Errorf("store: unmarshal state: %w", err)
	}
	return s, true, nil
}

func (r *RedisStore) UpdateTaskState(ctx context.Context, taskID string, state domain.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}
	if err := r.rdb.Set(ctx, taskKey(taskID), stateJSON, 0).Err(); err != nil {
		return fmt.Errorf("store: update_task_state: %w", err)
	}
	return nil
}

func (r *RedisStore) ListReadyTasks(ctx context.Context, goalID string) ([]string, error) {
	if _, err := r.RecoverStaleTasks(ctx, goalID); err != nil {
		return nil, err
	}

	nodesRaw, err := r.rdb.HGetAll(ctx, dagNodesKey(goalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list_ready_tasks nodes: %w", err)
	}
	depsRaw, err := r.rdb.HGetAll(ctx, dagDepsKey(goalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list_ready_tasks deps: %w", err)
	}

	ids := make([]string, 0, len(nodesRaw))
	for id := range nodesRaw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type candidate struct {
		id       string
		priority int
		seq      int
	}
	var candidates []candidate

	for seq, id := range ids {
		state, ok, err := r.GetTaskState(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || (state.Status != domain.StatusReady && state.Status != domain.StatusBlocked) {
			continue
		}

		var deps []string
		if raw, ok := depsRaw[id]; ok {
			if err := json.Unmarshal([]byte(raw), &deps); err != nil {
				return nil, fmt.Errorf("store: unmarshal deps %s: %w", id, err)
			}
		}
		satisfied := true
		for _, dep := range deps {
			depState, ok, err := r.GetTaskState(ctx, dep)
			if err != nil {
				return nil, err
			}
			if !ok || !domain.IsSatisfied(depState.Status) {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if state.Status == domain.StatusBlocked {
			state.Status = domain.StatusReady
			if err := r.UpdateTaskState(ctx, id, state); err != nil {
				return nil, err
			}
		}

		var node domain.Task
		if err := json.Unmarshal([]byte(nodesRaw[id]), &node); err != nil {
			return nil, fmt.Errorf("store: unmarshal node %s: %w", id, err)
		}
		candidates = append(candidates, candidate{id: id, priority: node.Priority, seq: seq})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	result := make([]string, len(candidates))
	for i, c := range candidates {
		result[i] = c.id
	}
	return result, nil
}

func (r *RedisStore) RecoverStaleTasks(ctx context.Context, goalID string) ([]string, error) {
	nodesRaw, err := r.rdb.HKeys(ctx, dagNodesKey(goalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: recover_stale_tasks: %w", err)
	}

	var recovered []string
	now := time.Now().UTC()
	for _, id := range nodesRaw {
		state, ok, err := r.GetTaskState(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok || (state.Status != domain.StatusRunning && state.Status != domain.StatusClaimed) {
			continue
		}

		lockVal, err := r.rdb.Get(ctx, taskLockKey(id)).Result()
		hasLock := err == nil
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("store: recover_stale_tasks lock read: %w", err)
		}
		_ = lockVal

		stale := !hasLock || !state.LeaseExpires.After(now)
		if !stale {
			continue
		}

		state.Status = domain.StatusReady
		state.Owner = ""
		state.LeaseExpires = time.Time{}
		if err := r.UpdateTaskState(ctx, id, state); err != nil {
			return nil, err
		}
		r.rdb.Del(ctx, taskLockKey(id))
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (r *RedisStore) AcquireLock(ctx context.Context, taskID, agent string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, taskLockKey(taskID), agent, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: acquire_lock: %w", err)
	}
	return ok, nil
}

func (r *RedisStore) RenewLock(ctx context.Context, taskID, agent string, ttl time.Duration) (bool, error) {
	res, err := renewIfOwnerScript.Run(ctx, r.rdb, []string{taskLockKey(taskID)}, agent, strconv.FormatInt(ttl.Milliseconds(), 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("store: renew_lock: %w", err)
	}
	return res == 1, nil
}

func (r *RedisStore) ReleaseLock(ctx context.Context, taskID, agent string) error {
	if _, err := releaseIfOwnerScript.Run(ctx, r.rdb, []string{taskLockKey(taskID)}, agent).Result(); err != nil {
		return fmt.Errorf("store: release_lock: %w", err)
	}
	return nil
}

func (r *RedisStore) LockOwner(ctx context.Context, taskID string) (string, bool, error) {
	owner, err := r.rdb.Get(ctx, taskLockKey(taskID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: lock_owner: %w", err)
	}
	return owner, true, nil
}

func (r *RedisStore) RegisterAgent(ctx context.Context, name string, pid int, capabilities map[string]string) error {
	fields := map[string]interface{}{
		"pid":       pid,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range capabilities {
		fields["cap:"+k] = v
	}
	if err := r.rdb.HSet(ctx, agentRegisteredKey(name), fields).Err(); err != nil {
		return fmt.Errorf("store: register_agent: %w", err)
	}
	return nil
}

func (r *RedisStore) DeregisterAgent(ctx context.Context, name string) error {
	if err := r.rdb.Del(ctx, agentRegisteredKey(name), agentHeartbeatKey(name)).Err(); err != nil {
		return fmt.Errorf("store: deregister_agent: %w", err)
	}
	return nil
}

func (r *RedisStore) HeartbeatAgent(ctx context.Context, name string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, agentHeartbeatKey(name), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("store: heartbeat_agent: %w", err)
	}
	return nil
}

func (r *RedisStore) AgentLastHeartbeat(ctx context.Context, name string) (time.Time, bool, error) {
	raw, err := r.rdb.Get(ctx, agentHeartbeatKey(name)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: agent_last_heartbeat: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse heartbeat: %w", err)
	}
	return t, true, nil
}

func (r *RedisStore) StoreMemorySnapshot(ctx context.Context, agent string, entries []string) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: marshal memory snapshot: %w", err)
	}
	if err := r.rdb.Set(ctx, agentMemoryKey(agent), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: store_memory_snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadMemorySnapshot(ctx context.Context, agent string) ([]string, error) {
	raw, err := r.rdb.Get(ctx, agentMemoryKey(agent)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load_memory_snapshot: %w", err)
	}
	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Tolerate a corrupt snapshot the way the original cache layer
		// tolerates malformed JSON: fall back to empty rather than erroring.
		return nil, nil
	}
	return entries, nil
}

func (r *RedisStore) SetGoalSpendingCapUntil(ctx context.Context, goalID string, until time.Time) error {
	existing, ok, err := r.GetGoalSpendingCapUntil(ctx, goalID)
	if err != nil {
		return err
	}
	if ok && existing.After(until) {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := r.rdb.Set(ctx, goalSpendingCapKey(goalID), until.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("store: set_goal_spending_cap_until: %w", err)
	}
	return nil
}

func (r *RedisStore) GetGoalSpendingCapUntil(ctx context.Context, goalID string) (time.Time, bool, error) {
	raw, err := r.rdb.Get(ctx, goalSpendingCapKey(goalID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get_goal_spending_cap_until: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: parse spending cap: %w", err)
	}
	return t, true, nil
}

func (r *RedisStore) ClearGoalSpendingCapUntil(ctx context.Context, goalID string) error {
	if err := r.rdb.Del(ctx, goalSpendingCapKey(goalID)).Err(); err != nil {
		return fmt.Errorf("store: clear_goal_spending_cap_until: %w", err)
	}
	return nil
}

func (r *RedisStore) CreateRemediationTask(ctx context.Context, goalID, qaTaskID, devRole string, cycle, priority int) (string, error) {
	id, err := r.uniqueNodeID(ctx, goalID, fmt.Sprintf("%s__fix_%d", qaTaskID, cycle))
	if err != nil {
		return "", err
	}
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
	if err := r.addNodeBlocking(ctx, goalID, node, qaTaskID); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisStore) CreateRecoveryTask(ctx context.Context, goalID, blockedTaskID, ownerRole string, attempt, priority int, title string) (string, error) {
	id, err := r.uniqueNodeID(ctx, goalID, fmt.Sprintf("%s__recover_%d", blockedTaskID, attempt))
	if err != nil {
		return "", err
	}
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
	if err := r.addNodeBlocking(ctx, goalID, node, blockedTaskID); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisStore) uniqueNodeID(ctx context.Context, goalID, base string) (string, error) {
	exists, err := r.rdb.HExists(ctx, dagNodesKey(goalID), base).Result()
	if err != nil {
		return "", fmt.Errorf("store: uniqueNodeID: %w", err)
	}
	if !exists {
		return base, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		exists, err := r.rdb.HExists(ctx, dagNodesKey(goalID), candidate).Result()
		if err != nil {
			return "", fmt.Errorf("store: uniqueNodeID: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

func (r *RedisStore) addNodeBlocking(ctx context.Context, goalID string, node domain.Task, blockedTaskID string) error {
	nodeJSON, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("store: marshal node %s: %w", node.ID, err)
	}

	var deps []string
	raw, err := r.rdb.HGet(ctx, dagDepsKey(goalID), blockedTaskID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("store: read deps for %s: %w", blockedTaskID, err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &deps); err != nil {
			return fmt.Errorf("store: unmarshal deps: %w", err)
		}
	}
	deps = append(deps, node.ID)
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("store: marshal deps: %w", err)
	}

	nodeState, err := json.Marshal(domain.State{Status: domain.StatusReady})
	if err != nil {
		return fmt.Errorf("store: marshal state: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, dagNodesKey(goalID), node.ID, nodeJSON)
	pipe.HSet(ctx, dagDepsKey(goalID), blockedTaskID, depsJSON)
	pipe.HSet(ctx, dagDepsKey(goalID), node.ID, "[]")
	pipe.Set(ctx, taskKey(node.ID), nodeState, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: addNodeBlocking: %w", err)
	}

	blockedState, ok, err := r.GetTaskState(ctx, blockedTaskID)
	if err != nil {
		return err
	}
	if ok && blockedState.Status != domain.StatusBlocked {
		blockedState.Status = domain.StatusBlocked
		if err := r.UpdateTaskState(ctx, blockedTaskID, blockedState); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) AppendInstructionVersion(ctx context.Context, agentGoalKey, text string) (int, string, error) {
	shaPrefix := shaPrefix12(text)
	payload := map[string]string{"text": text, "sha": shaPrefix, "ts": time.Now().UTC().Format(time.RFC3339)}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("store: marshal instruction version: %w", err)
	}
	n, err := r.rdb.RPush(ctx, instructionListKey(agentGoalKey), raw).Result()
	if err != nil {
		return 0, "", fmt.Errorf("store: append_instruction_version: %w", err)
	}
	return int(n) - 1, shaPrefix, nil
}

func (r *RedisStore) LatestInstructionVersion(ctx context.Context, agentGoalKey string) (string, string, bool, error) {
	raw, err := r.rdb.LIndex(ctx, instructionListKey(agentGoalKey), -1).Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("store: latest_instruction_version: %w", err)
	}
	var payload struct {
		Text string `json:"text"`
		Sha  string `json:"sha"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", "", false, fmt.Errorf("store: unmarshal instruction version: %w", err)
	}
	return payload.Text, payload.Sha, true, nil
}

var _ Store = (*RedisStore)(nil)
