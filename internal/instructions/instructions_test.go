package instructions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PlainYAML(t *testing.T) {
	text := `
agents:
  - name: owner
    role: manager
    goal: goal-1
    instructions: owner.md
    heartbeat: owner.heartbeat
  - name: features-dev
    instructions: dev.md
    heartbeat: dev.heartbeat
    cadence: 10s
`
	descs, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "owner", descs[0].Name)
	assert.Equal(t, "goal-1", descs[0].GoalID)
	assert.Equal(t, 5, descs[0].CadenceSeconds)
	assert.Equal(t, "goal-default", descs[1].GoalID)
	assert.Equal(t, 10, descs[1].CadenceSeconds)
	assert.Equal(t, "INFO", descs[1].LogLevel)
}

func TestParse_FencedMarkdownBlock(t *testing.T) {
	text := "# Team Roster\n\nSome prose before.\n\n```yaml\nagents:\n  - name: qa-dev\n    instructions: qa.md\n    heartbeat: qa.heartbeat\n```\n\nSome prose after, including a second ```fenced``` span that must be ignored.\n"
	descs, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "qa-dev", descs[0].Name)
}

func TestParse_MissingInstructionsIsHardError(t *testing.T) {
	text := `
agents:
  - name: a
    heartbeat: a.heartbeat
`
	_, err := Parse(text)
	require.Error(t, err)
}

func TestParse_MissingHeartbeatIsHardError(t *testing.T) {
	text := `
agents:
  - name: a
    instructions: a.md
`
	_, err := Parse(text)
	require.Error(t, err)
}

func TestParse_DuplicateNameIsError(t *testing.T) {
	text := `
agents:
  - name: a
    instructions: a.md
    heartbeat: a.heartbeat
  - name: a
    instructions: b.md
    heartbeat: b.heartbeat
`
	_, err := Parse(text)
	require.Error(t, err)
}

func TestParseCadence(t *testing.T) {
	cases := map[string]int{
		"":    defaultCadence,
		"5s":  5,
		"30s": 30,
		"1":   1,
	}
	for raw, want := range cases {
		got, err := parseCadence(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := parseCadence("0s")
	assert.Error(t, err)
	_, err = parseCadence("nope")
	assert.Error(t, err)
}

func TestGroupByGoal(t *testing.T) {
	descs, err := Parse(`
agents:
  - name: a
    goal: g1
    instructions: a.md
    heartbeat: a.heartbeat
  - name: b
    goal: g2
    instructions: b.md
    heartbeat: b.heartbeat
  - name: c
    goal: g1
    instructions: c.md
    heartbeat: c.heartbeat
`)
	require.NoError(t, err)
	groups := GroupByGoal(descs)
	require.Len(t, groups["g1"], 2)
	require.Len(t, groups["g2"], 1)
}
