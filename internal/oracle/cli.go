package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/basket/orchestra/internal/domain"
)

// Default per-call timeouts and progress cadence, per the operational
// policies of the oracle client contract.
const (
	DefaultExecuteTimeout  = 15 * time.Minute
	DefaultMetadataTimeout = 2 * time.Minute
	DefaultProgressEvery   = 30 * time.Second
)

// CLIConfig configures the subprocess transport: a configured CLI
// executable invoked with an argument vector ending in "-p <prompt>".
type CLIConfig struct {
	Executable         string
	ExtraArgs          []string
	ExecuteTimeout     time.Duration
	MetadataTimeout    time.Duration
	ProgressEvery      time.Duration
	SpendingCapCallback SpendingCapFunc
}

func (c CLIConfig) withDefaults() CLIConfig {
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = DefaultMetadataTimeout
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	return c
}

// errSpendingCapWait tells backoff.Retry in invoke to sleep until the
// parsed reset time and try once more; if that second attempt also hits
// the spending cap, it is returned to invoke's caller.
var errSpendingCapWait = errors.New("oracle: spending cap backoff in progress")

// spendingCapBackOff yields exactly one wait duration (the time until the
// parsed reset moment) and then stops, used to drive a single
// sleep-then-retry cycle through backoff.Retry.
type spendingCapBackOff struct {
	next time.Duration
	used bool
}

func (b *spendingCapBackOff) NextBackOff() time.Duration {
	if b.used {
		return backoff.Stop
	}
	b.used = true
	return b.next
}

// CLIClient invokes a configured CLI executable as the oracle transport,
// passing the prompt via a trailing "-p <prompt>" argument.
type CLIClient struct {
	cfg     CLIConfig
	logger  *zap.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewCLIClient constructs a CLIClient. The circuit breaker trips the
// subprocess transport itself (distinct from the spending-cap gate)
// after repeated non-spending-cap failures — a wedged or misconfigured
// executable shouldn't be retried indefinitely per call.
func NewCLIClient(cfg CLIConfig, logger *zap.Logger) *CLIClient {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIClient{
		cfg:    cfg,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "oracle-cli",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// invoke runs prompt through the subprocess, transparently handling the
// spending-cap sleep-and-retry policy before returning the final output.
func (c *CLIClient) invoke(ctx context.Context, goalID, prompt string, timeout time.Duration) (string, error) {
	capBackoff := &spendingCapBackOff{}
	operation := func() (string, error) {
		out, err := c.invokeOnceBreaker(ctx, prompt, timeout)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if ContainsSpendingCapNotice(out) {
			resetAt, found, perr := ParseResetTime(out, time.Now())
			if perr != nil {
				return "", backoff.Permanent(fmt.Errorf("oracle: unparsable spending cap reset time: %w", perr))
			}
			if !found {
				return "", backoff.Permanent(fmt.Errorf("oracle: spending cap notice with no parseable reset time"))
			}
			sleepFor := time.Until(resetAt)
			capBackoff.next = sleepFor
			if c.cfg.SpendingCapCallback != nil {
				c.cfg.SpendingCapCallback(goalID, sleepFor)
			}
			c.logger.Info("oracle spending cap backoff",
				zap.String("goal_id", goalID), zap.Duration("sleep", sleepFor))
			return "", errSpendingCapWait
		}
		return out, nil
	}

	result, err := backoff.Retry(ctx, operation, backoff.WithBackOff(capBackoff), backoff.WithMaxTries(2))
	if err != nil {
		return "", err
	}
	return result, nil
}

func (c *CLIClient) invokeOnceBreaker(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeOnce(ctx, prompt, timeout)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// invokeOnce runs the subprocess once, logging progress every
// ProgressEvery while it waits, and killing it at the deadline.
func (c *CLIClient) invokeOnce(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), c.cfg.ExtraArgs...)
	if strings.HasSuffix(c.cfg.Executable, "claude") {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(callCtx, c.cfg.Executable, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("oracle: start subprocess: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	started := time.Now()
	ticker := time.NewTicker(c.cfg.ProgressEvery)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			combined := stdout.String() + stderr.String()
			if err != nil {
				if callCtx.Err() != nil {
					return "", fmt.Errorf("oracle: subprocess deadline exceeded after %s", time.Since(started))
				}
				if !ContainsSpendingCapNotice(combined) {
					return "", fmt.Errorf("oracle: subprocess exited non-zero: %w (stderr=%s)", err, stderr.String())
				}
			}
			c.logger.Debug("oracle subprocess completed",
				zap.Duration("duration", time.Since(started)),
				zap.Int("stdout_chars", stdout.Len()))
			return combined, nil
		case <-ticker.C:
			remaining := timeout - time.Since(started)
			c.logger.Info("oracle still waiting", zap.Duration("remaining", remaining))
		case <-callCtx.Done():
			<-done
			return "", fmt.Errorf("oracle: subprocess deadline exceeded after %s", time.Since(started))
		}
	}
}

func (c *CLIClient) CreateGoalDAG(ctx context.Context, goalID, instructions string) (domain.DAG, error) {
	validator := NewValidator([]string{"goal_id", "nodes", "edges"})
	var raw struct {
		GoalID string        `json:"goal_id"`
		Nodes  []domain.Task `json:"nodes"`
		Edges  []domain.Edge `json:"edges"`
	}
	statement := "Propose a task DAG that accomplishes the stated goal."
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return c.invoke(ctx, goalID, prompt, c.cfg.MetadataTimeout)
	}
	if err := invokeJSON(ctx, invoker, validator, statement, goalID, instructions, nil,
		[]string{"goal_id", "nodes", "edges"}, &raw); err != nil {
		return domain.DAG{}, err
	}
	dag := domain.DAG{GoalID: raw.GoalID, Nodes: raw.Nodes, Edges: raw.Edges}
	if dag.GoalID == "" {
		dag.GoalID = goalID
	}
	return dag, nil
}

func (c *CLIClient) SelectNextTask(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (TaskSelection, error) {
	validator := NewValidator([]string{"selected_task_id", "justification", "confidence"})
	var result TaskSelection
	statement := "Select the single best next task from the ready set, or null if none should proceed."
	promptCtx := map[string]interface{}{"ready_nodes": ready, "memory": memory}
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return c.invoke(ctx, goalID, prompt, c.cfg.MetadataTimeout)
	}
	if err := invokeJSON(ctx, invoker, validator, statement, goalID, instructions, promptCtx,
		[]string{"selected_task_id", "justification", "confidence"}, &result); err != nil {
		return TaskSelection{}, err
	}
	return result, nil
}

func (c *CLIClient) ExecuteTask(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (ExecutionResult, error) {
	validator := NewValidator([]string{"status", "outputs", "notes", "follow_ups"})
	var result ExecutionResult
	statement := fmt.Sprintf("Execute task %q: %s", node.ID, node.Title)
	promptCtx := map[string]interface{}{"node": node, "memory": memory}
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return c.invoke(ctx, goalID, prompt, c.cfg.ExecuteTimeout)
	}
	if err := invokeJSON(ctx, invoker, validator, statement, goalID, instructions, promptCtx,
		[]string{"status", "outputs", "notes", "follow_ups"}, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

func (c *CLIClient) SummarizeTask(ctx context.Context, goalID string, node domain.Task, result ExecutionResult) (string, error) {
	validator := NewValidator([]string{"summary"})
	var out struct {
		Summary string `json:"summary"`
	}
	statement := fmt.Sprintf("Summarize the outcome of task %q in one or two sentences.", node.ID)
	promptCtx := map[string]interface{}{"node": node, "execution": result}
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return c.invoke(ctx, goalID, prompt, c.cfg.MetadataTimeout)
	}
	if err := invokeJSON(ctx, invoker, validator, statement, goalID, "", promptCtx, []string{"summary"}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("oracle: summarize_task returned an empty summary")
	}
	return out.Summary, nil
}

func (c *CLIClient) AssessRecovery(ctx context.Context, goalID string, node domain.Task, errMsg string) (RecoveryAssessment, error) {
	validator := NewValidator([]string{"recoverable", "reason", "remediation_title", "remediation_steps", "confidence"})
	var result RecoveryAssessment
	statement := fmt.Sprintf("Assess whether the failure on task %q is recoverable.", node.ID)
	promptCtx := map[string]interface{}{"node": node, "error": errMsg}
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return c.invoke(ctx, goalID, prompt, c.cfg.MetadataTimeout)
	}
	keys := []string{"recoverable", "reason", "remediation_title", "remediation_steps", "confidence"}
	if err := invokeJSON(ctx, invoker, validator, statement, goalID, "", promptCtx, keys, &result); err != nil {
		return RecoveryAssessment{}, err
	}
	return result, nil
}

var _ Client = (*CLIClient)(nil)
