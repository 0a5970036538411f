// Package instructions parses the instruction document that drives a
// goal: a list of agent descriptors naming each agent's role, goal,
// instruction/heartbeat file paths, and cadence. Grounded on the
// config-to-validated-domain-object loader pattern (parse, default,
// validate, return plain structs ready for use downstream).
package instructions

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/orchestra/internal/domain"
)

const (
	defaultGoalID   = "goal-default"
	defaultLogLevel = "INFO"
	defaultCadence  = 5
)

type document struct {
	Agents []record `yaml:"agents"`
}

type record struct {
	Name          string `yaml:"name"`
	Role          string `yaml:"role"`
	Goal          string `yaml:"goal"`
	GoalID        string `yaml:"goal_id"`
	Instructions  string `yaml:"instructions"`
	Heartbeat     string `yaml:"heartbeat"`
	LogLevel      string `yaml:"log-level"`
	Cadence       string `yaml:"cadence"`
}

// Parse reads an instruction document (pure YAML, or a markdown file
// with one or more fenced code blocks, the first of which is
// authoritative) and returns the validated agent descriptors it names.
func Parse(text string) ([]domain.AgentDescriptor, error) {
	block := firstFencedBlockOrWhole(text)

	var doc document
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		return nil, fmt.Errorf("instructions: parse: %w", err)
	}

	seen := make(map[string]bool, len(doc.Agents))
	descriptors := make([]domain.AgentDescriptor, 0, len(doc.Agents))
	for i, rec := range doc.Agents {
		if rec.Name == "" {
			return nil, fmt.Errorf("instructions: agent at index %d has no name", i)
		}
		if seen[rec.Name] {
			return nil, fmt.Errorf("instructions: duplicate agent name %q", rec.Name)
		}
		seen[rec.Name] = true

		if rec.Instructions == "" {
			return nil, fmt.Errorf("instructions: agent %q missing instructions path", rec.Name)
		}
		if rec.Heartbeat == "" {
			return nil, fmt.Errorf("instructions: agent %q missing heartbeat path", rec.Name)
		}

		goalID := rec.GoalID
		if goalID == "" {
			goalID = rec.Goal
		}
		if goalID == "" {
			goalID = defaultGoalID
		}

		logLevel := rec.LogLevel
		if logLevel == "" {
			logLevel = defaultLogLevel
		}

		cadence, err := parseCadence(rec.Cadence)
		if err != nil {
			return nil, fmt.Errorf("instructions: agent %q: %w", rec.Name, err)
		}

		descriptors = append(descriptors, domain.AgentDescriptor{
			Name:             rec.Name,
			Role:             rec.Role,
			GoalID:           goalID,
			InstructionsPath: rec.Instructions,
			HeartbeatPath:    rec.Heartbeat,
			LogLevel:         logLevel,
			CadenceSeconds:   cadence,
		})
	}
	return descriptors, nil
}

func parseCadence(raw string) (int, error) {
	if raw == "" {
		return defaultCadence, nil
	}
	trimmed := strings.TrimSuffix(strings.TrimSpace(raw), "s")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid cadence %q", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("cadence must be at least 1 second, got %q", raw)
	}
	return n, nil
}

// firstFencedBlockOrWhole returns the contents of the first ``` fenced
// code block in text, or text itself if no fence is present (the pure
// structured YAML-listing form).
func firstFencedBlockOrWhole(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start < 0 {
		return text
	}
	rest := text[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end < 0 {
		return text
	}
	return rest[:end]
}

// GroupByGoal partitions descriptors by their goal id, preserving
// encounter order within each group.
func GroupByGoal(descriptors []domain.AgentDescriptor) map[string][]domain.AgentDescriptor {
	groups := make(map[string][]domain.AgentDescriptor)
	for _, d := range descriptors {
		groups[d.GoalID] = append(groups[d.GoalID], d)
	}
	return groups
}
