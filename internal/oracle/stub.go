package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/orchestra/internal/domain"
)

// StubClient is a deterministic test double, grounded on the original
// reference runtime's StubLLMClient: it parses "- " bullet lines into a
// sequentially-chained DAG, always selects the first ready node, and
// always executes successfully with one synthetic artifact. Test code
// can override any of the five behaviors via the exported funcs, which
// default to the deterministic behavior when left nil.
type StubClient struct {
	CreateGoalDAGFunc  func(ctx context.Context, goalID, instructions string) (domain.DAG, error)
	SelectNextTaskFunc func(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (TaskSelection, error)
	ExecuteTaskFunc    func(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (ExecutionResult, error)
	SummarizeTaskFunc  func(ctx context.Context, goalID string, node domain.Task, result ExecutionResult) (string, error)
	AssessRecoveryFunc func(ctx context.Context, goalID string, node domain.Task, errMsg string) (RecoveryAssessment, error)
}

func (s *StubClient) CreateGoalDAG(ctx context.Context, goalID, instructions string) (domain.DAG, error) {
	if s.CreateGoalDAGFunc != nil {
		return s.CreateGoalDAGFunc(ctx, goalID, instructions)
	}
	var ids []string
	for _, line := range strings.Split(instructions, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") {
			ids = append(ids, fmt.Sprintf("task-%03d", len(ids)+1))
		}
	}
	if len(ids) == 0 {
		ids = []string{"task-001"}
	}
	dag := domain.DAG{GoalID: goalID}
	for i, id := range ids {
		title := "Bootstrap goal"
		if i > 0 {
			title = fmt.Sprintf("Step %d", i+1)
		}
		dag.Nodes = append(dag.Nodes, domain.Task{ID: id, Title: title})
		if i > 0 {
			dag.Edges = append(dag.Edges, domain.Edge{Source: ids[i-1], Target: id})
		}
	}
	return dag, nil
}

func (s *StubClient) SelectNextTask(ctx context.Context, goalID, instructions string, ready []domain.Task, memory []string) (TaskSelection, error) {
	if s.SelectNextTaskFunc != nil {
		return s.SelectNextTaskFunc(ctx, goalID, instructions, ready, memory)
	}
	if len(ready) == 0 {
		return TaskSelection{Justification: "No ready tasks", Confidence: 0}, nil
	}
	return TaskSelection{
		SelectedTaskID: ready[0].ID,
		Justification:  "Highest priority ready node",
		Confidence:     0.9,
	}, nil
}

func (s *StubClient) ExecuteTask(ctx context.Context, goalID, instructions string, node domain.Task, memory []string) (ExecutionResult, error) {
	if s.ExecuteTaskFunc != nil {
		return s.ExecuteTaskFunc(ctx, goalID, instructions, node, memory)
	}
	return ExecutionResult{
		Status:  ExecStatusDone,
		Outputs: []string{fmt.Sprintf("artifact://%s.txt", node.ID)},
		Notes:   "stub execution complete",
	}, nil
}

func (s *StubClient) SummarizeTask(ctx context.Context, goalID string, node domain.Task, result ExecutionResult) (string, error) {
	if s.SummarizeTaskFunc != nil {
		return s.SummarizeTaskFunc(ctx, goalID, node, result)
	}
	return fmt.Sprintf("Task %s completed with status %s.", node.ID, result.Status), nil
}

func (s *StubClient) AssessRecovery(ctx context.Context, goalID string, node domain.Task, errMsg string) (RecoveryAssessment, error) {
	if s.AssessRecoveryFunc != nil {
		return s.AssessRecoveryFunc(ctx, goalID, node, errMsg)
	}
	return RecoveryAssessment{Recoverable: false, Reason: "stub default: not recoverable", Confidence: 0.5}, nil
}

var _ Client = (*StubClient)(nil)
