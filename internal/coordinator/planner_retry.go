package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/orchestra/internal/domain"
	"github.com/basket/orchestra/internal/oracle"
)

// MaxDAGAttempts bounds the corrective-reprompt loop used when a freshly
// created (and role-expanded) goal DAG fails validation.
const MaxDAGAttempts = 3

// createValidatedDAG calls create_goal_dag, applies the role-workflow
// expansion, and validates the result. On a validation failure it
// reprompts the oracle with the error appended to the instructions text,
// mirroring the error-context retry shape used elsewhere in this system,
// bounded at MaxDAGAttempts.
func createValidatedDAG(ctx context.Context, oc oracle.Client, goalID, instructions string, descriptors []domain.AgentDescriptor) (domain.DAG, error) {
	prompt := instructions
	var lastErr error

	for attempt := 1; attempt <= MaxDAGAttempts; attempt++ {
		dag, err := oc.CreateGoalDAG(ctx, goalID, prompt)
		if err != nil {
			return domain.DAG{}, fmt.Errorf("coordinator: create_goal_dag: %w", err)
		}
		dag.GoalID = goalID

		expanded := ExpandWorkflow(dag, descriptors)
		if verr := expanded.Validate(); verr == nil {
			return expanded, nil
		} else {
			lastErr = verr
			prompt = buildDAGRepairPrompt(instructions, verr, attempt)
		}
	}
	return domain.DAG{}, fmt.Errorf("coordinator: goal %s: dag invalid after %d attempts: %w", goalID, MaxDAGAttempts, lastErr)
}

// buildDAGRepairPrompt appends the validation failure to the original
// instructions so the next create_goal_dag call can correct it.
func buildDAGRepairPrompt(originalInstructions string, validationErr error, attempt int) string {
	var sb strings.Builder
	sb.WriteString(originalInstructions)
	sb.WriteString("\n\n---\n")
	sb.WriteString(fmt.Sprintf("Your previous task graph (attempt %d) failed validation: %s\n", attempt, validationErr))
	sb.WriteString("Produce a corrected graph: every edge must reference an existing task id, and the graph must be acyclic.\n")
	return sb.String()
}
