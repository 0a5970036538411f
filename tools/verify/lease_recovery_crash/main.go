// Command lease_recovery_crash drills the store's stale-lease recovery:
// prepare a one-node goal, claim+lock it and then hang (simulating a
// crashed agent), kill -9 that process, then run recover and assert the
// task returned to READY with its lock released.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/store"
)

const goalID = "lease-crash-drill"
const taskID = "lease-crash-task"

func main() {
	mode := flag.String("mode", "", "prepare|claim-hang|recover")
	redisAddr := flag.String("redis-addr", "127.0.0.1:6379", "redis address")
	leaseSeconds := flag.Int("lease-seconds", 2, "lease TTL in seconds for claim-hang")
	flag.Parse()

	if *mode == "" {
		fmt.Fprintln(os.Stderr, "mode is required")
		os.Exit(2)
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	st := store.NewRedisStore(rdb)

	switch *mode {
	case "prepare":
		dag := domain.DAG{GoalID: goalID, Nodes: []domain.Task{{ID: taskID, Title: "lease crash drill"}}}
		if err := st.WriteDAG(ctx, dag); err != nil {
			fmt.Fprintf(os.Stderr, "write dag: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", taskID)

	case "claim-hang":
		ttl := time.Duration(*leaseSeconds) * time.Second
		ok, err := st.AcquireLock(ctx, taskID, "drill-agent", ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "acquire lock: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "lock already held")
			os.Exit(1)
		}
		state, _, err := st.GetTaskState(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get task state: %v\n", err)
			os.Exit(1)
		}
		state = state.AsRunning("drill-agent", time.Now().Add(ttl))
		if err := st.UpdateTaskState(ctx, taskID, state); err != nil {
			fmt.Fprintf(os.Stderr, "update task state: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("CLAIMED_AND_RUNNING")
		for {
			time.Sleep(time.Second)
		}

	case "recover":
		recovered, err := st.RecoverStaleTasks(ctx, goalID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover stale tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", len(recovered))

		state, ok, err := st.GetTaskState(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get task state: %v\n", err)
			os.Exit(1)
		}
		owner, hasLock, err := st.LockOwner(ctx, taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lock owner: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS present=%v status=%s owner=%q lock_held=%v lock_owner=%q\n", ok, state.Status, state.Owner, hasLock, owner)

		if ok && state.Status == domain.StatusReady && !hasLock {
			fmt.Println("VERDICT PASS")
			return
		}
		fmt.Println("VERDICT FAIL — task not recovered to READY with lock released")
		os.Exit(1)

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
