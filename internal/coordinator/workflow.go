package coordinator

import (
	"fmt"
	"strings"

	"github.com/basket/orchestra/internal/domain"
)

// RoleClass is one of the three workflow roles every agent descriptor is
// classified into.
type RoleClass string

const (
	RoleManager  RoleClass = "manager"
	RoleReviewer RoleClass = "reviewer"
	RoleBuilder  RoleClass = "builder"
)

// explicitRoleClass maps an exact, lowercased role string to a class.
var explicitRoleClass = map[string]RoleClass{
	"manager":  RoleManager,
	"owner":    RoleManager,
	"lead":     RoleManager,
	"reviewer": RoleReviewer,
	"qa":       RoleReviewer,
	"builder":  RoleBuilder,
	"dev":      RoleBuilder,
}

var managerKeywords = []string{"owner", "lead", "manager"}
var reviewerKeywords = []string{"qa", "test", "validator", "review"}

// Classify assigns a descriptor to exactly one of {manager, reviewer,
// builder}: first by an explicit role-string lookup, then by keyword
// matching over role/name/instructions/heartbeat stems, defaulting to
// builder.
func Classify(d domain.AgentDescriptor) RoleClass {
	role := strings.ToLower(strings.TrimSpace(d.Role))
	if class, ok := explicitRoleClass[role]; ok {
		return class
	}

	stems := strings.ToLower(strings.Join([]string{d.Role, d.Name, d.InstructionsPath, d.HeartbeatPath}, " "))
	for _, kw := range managerKeywords {
		if strings.Contains(stems, kw) {
			return RoleManager
		}
	}
	for _, kw := range reviewerKeywords {
		if strings.Contains(stems, kw) {
			return RoleReviewer
		}
	}
	return RoleBuilder
}

// workflowRoster groups a goal's descriptors by classified role, in
// encounter order.
type workflowRoster struct {
	managers  []domain.AgentDescriptor
	reviewers []domain.AgentDescriptor
	builders  []domain.AgentDescriptor
}

func classifyRoster(descriptors []domain.AgentDescriptor) workflowRoster {
	var roster workflowRoster
	for _, d := range descriptors {
		switch Classify(d) {
		case RoleManager:
			roster.managers = append(roster.managers, d)
		case RoleReviewer:
			roster.reviewers = append(roster.reviewers, d)
		default:
			roster.builders = append(roster.builders, d)
		}
	}
	return roster
}

func roleString(d domain.AgentDescriptor) string {
	if d.Role != "" {
		return d.Role
	}
	return d.Name
}

// ExpandWorkflow applies the role-workflow expansion (spec §4.7.1) to a
// freshly oracle-authored DAG: it fills in required_role/dev_role/
// manager_role defaults on every development node, and appends a QA node
// (and, if a manager exists, an integration node) downstream of it.
func ExpandWorkflow(dag domain.DAG, descriptors []domain.AgentDescriptor) domain.DAG {
	roster := classifyRoster(descriptors)

	var leadRole string
	hasManager := len(roster.managers) > 0
	if hasManager {
		leadRole = roleString(roster.managers[0])
	}
	hasReviewer := len(roster.reviewers) > 0

	originalNodes := append([]domain.Task(nil), dag.Nodes...)
	builderIdx := 0

	for _, n := range originalNodes {
		if n.Metadata == nil {
			n.Metadata = map[string]string{}
		}
		if n.Metadata[domain.MetaPhase] == "" {
			n.Metadata[domain.MetaPhase] = string(domain.PhaseDevelopment)
		}
		if n.Metadata[domain.MetaPhase] != string(domain.PhaseDevelopment) {
			continue
		}

		if _, ok := n.Metadata[domain.MetaReviewCycle]; !ok {
			n.Metadata[domain.MetaReviewCycle] = "0"
		}
		if n.Metadata[domain.MetaRequiredRole] == "" && len(roster.builders) > 0 {
			n.Metadata[domain.MetaRequiredRole] = roleString(roster.builders[builderIdx%len(roster.builders)])
			builderIdx++
		}
		n.Metadata[domain.MetaDevRole] = n.Metadata[domain.MetaRequiredRole]
		if hasManager {
			n.Metadata[domain.MetaManagerRole] = leadRole
		}
		dag = replaceNode(dag, n)

		lastStage := n.ID
		if hasReviewer {
			qaID := n.ID + "__qa"
			qaNode := domain.Task{
				ID:       qaID,
				Title:    fmt.Sprintf("QA: %s", n.Title),
				Priority: n.Priority,
				Metadata: map[string]string{
					domain.MetaPhase:        string(domain.PhaseQA),
					domain.MetaRequiredRole: roleString(roster.reviewers[0]),
					domain.MetaParentTaskID: n.ID,
					domain.MetaReviewCycle:  "0",
					domain.MetaDevRole:      n.Metadata[domain.MetaDevRole],
				},
			}
			if hasManager {
				qaNode.Metadata[domain.MetaManagerRole] = leadRole
			}
			dag.Nodes = append(dag.Nodes, qaNode)
			dag.Edges = append(dag.Edges, domain.Edge{Source: n.ID, Target: qaID})
			lastStage = qaID
		}

		if hasManager {
			integrateID := n.ID + "__integrate"
			dag.Nodes = append(dag.Nodes, domain.Task{
				ID:       integrateID,
				Title:    fmt.Sprintf("Integrate: %s", n.Title),
				Priority: n.Priority,
				Metadata: map[string]string{
					domain.MetaPhase:        string(domain.PhaseIntegration),
					domain.MetaRequiredRole: leadRole,
				},
			})
			dag.Edges = append(dag.Edges, domain.Edge{Source: lastStage, Target: integrateID})
		}
	}

	return dag
}

func replaceNode(dag domain.DAG, updated domain.Task) domain.DAG {
	for i, n := range dag.Nodes {
		if n.ID == updated.ID {
			dag.Nodes[i] = updated
			return dag
		}
	}
	return dag
}
