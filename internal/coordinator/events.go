package coordinator

import (
	"github.com/basket/orchestra/internal/bus"
)

// Goal and agent lifecycle topics, published by the coordinator for any
// observer (a TUI, a metrics sink) subscribed on the shared bus.
const (
	TopicGoalDAGCreated  = "goal.dag.created"
	TopicAgentSpawned    = "agent.spawned"
	TopicAgentDisappeared = "agent.disappeared"
)

// GoalDAGCreatedEvent is published once per goal, the first time its DAG
// is written.
type GoalDAGCreatedEvent struct {
	GoalID    string
	NodeCount int
	WaveCount int
}

// AgentSpawnedEvent is published after a successful supervisor spawn.
type AgentSpawnedEvent struct {
	Name      string
	GoalID    string
	PID       int
	ParentPID int
}

// AgentDisappearedEvent is published when a previously known agent name
// is no longer present in the instruction document. The coordinator never
// kills the process; this is observability only.
type AgentDisappearedEvent struct {
	Name string
}

// publisher wraps the shared bus with the coordinator's event vocabulary.
// A nil *bus.Bus is valid: every publish becomes a no-op, so wiring an
// event bus is optional.
type publisher struct {
	bus *bus.Bus
}

func newPublisher(b *bus.Bus) publisher { return publisher{bus: b} }

func (p publisher) dagCreated(goalID string, nodeCount, waveCount int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(TopicGoalDAGCreated, GoalDAGCreatedEvent{GoalID: goalID, NodeCount: nodeCount, WaveCount: waveCount})
}

func (p publisher) agentSpawned(name, goalID string, pid, parentPID int) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(TopicAgentSpawned, AgentSpawnedEvent{Name: name, GoalID: goalID, PID: pid, ParentPID: parentPID})
}

func (p publisher) agentDisappeared(name string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(TopicAgentDisappeared, AgentDisappearedEvent{Name: name})
}
