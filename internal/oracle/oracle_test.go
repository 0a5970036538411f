package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGenkitModel_KnownProviders(t *testing.T) {
	assert.NotEmpty(t, defaultGenkitModel("anthropic"))
	assert.NotEmpty(t, defaultGenkitModel("openai"))
	assert.NotEmpty(t, defaultGenkitModel("google"))
	assert.Empty(t, defaultGenkitModel("unknown"))
}

func TestExtract_FencedJSON(t *testing.T) {
	raw := "Sure, here you go:\n```json\n{\"a\": 1, \"b\": 2}\n```\nLet me know if that helps."
	got, err := Extract(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1, "b": 2}`, got)
}

func TestExtract_GenericFence(t *testing.T) {
	raw := "```\n{\"a\": 1}\n```"
	got, err := Extract(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, got)
}

func TestExtract_BalancedRawObject(t *testing.T) {
	raw := `noise before {"a": "has a { brace in a string }", "b": [1,2,3]} noise after`
	got, err := Extract(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": "has a { brace in a string }", "b": [1,2,3]}`, got)
}

func TestExtract_EscapedQuoteDoesNotCloseString(t *testing.T) {
	raw := `{"a": "quote \" then close brace }"}`
	got, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestExtract_NoObjectFound(t *testing.T) {
	_, err := Extract("no json here at all")
	require.Error(t, err)
}

func TestValidateKeys_ExactMatch(t *testing.T) {
	v := NewValidator([]string{"a", "b"})
	require.NoError(t, v.ValidateKeys(`{"a": 1, "b": 2}`))
}

func TestValidateKeys_MissingAndExtra(t *testing.T) {
	v := NewValidator([]string{"a", "b"})
	err := v.ValidateKeys(`{"a": 1, "c": 3}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing=[b]")
	assert.Contains(t, err.Error(), "extra=[c]")
}

func TestParseInto_RoundTrips(t *testing.T) {
	v := NewValidator([]string{"selected_task_id", "justification", "confidence"})
	var out TaskSelection
	raw := "```json\n{\"selected_task_id\": \"t1\", \"justification\": \"because\", \"confidence\": 0.8}\n```"
	require.NoError(t, v.ParseInto(raw, &out))
	assert.Equal(t, "t1", out.SelectedTaskID)
	assert.Equal(t, "because", out.Justification)
	assert.Equal(t, 0.8, out.Confidence)
}

// TestInvokeJSON_RetriesOnMalformedThenSucceeds grounds the oracle JSON
// contract property: the client retries on empty output and on
// missing/extra keys, and returns the parsed payload once the shape
// matches.
func TestInvokeJSON_RetriesOnMalformedThenSucceeds(t *testing.T) {
	validator := NewValidator([]string{"summary"})
	var calls int
	invoker := func(ctx context.Context, prompt string) (string, error) {
		calls++
		switch calls {
		case 1:
			return "", nil
		case 2:
			return `{"summary": "ok", "extra": true}`, nil
		default:
			return `{"summary": "all good"}`, nil
		}
	}
	var out struct {
		Summary string `json:"summary"`
	}
	err := invokeJSON(context.Background(), invoker, validator, "Summarize.", "goal-1", "", nil, []string{"summary"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "all good", out.Summary)
	assert.Equal(t, 3, calls)
}

func TestInvokeJSON_ExhaustsAttempts(t *testing.T) {
	validator := NewValidator([]string{"summary"})
	invoker := func(ctx context.Context, prompt string) (string, error) {
		return "still not json", nil
	}
	var out struct {
		Summary string `json:"summary"`
	}
	err := invokeJSON(context.Background(), invoker, validator, "Summarize.", "goal-1", "", nil, []string{"summary"}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestIsDeterministicallyRecoverable(t *testing.T) {
	recoverable := []string{
		"Error: spending cap reached for this billing period",
		"429 rate limit exceeded, please slow down",
		"request timed out after 30s",
		"connection timeout",
		"this is a temporary failure, please retry",
		"temporarily unavailable",
		"network error: could not reach host",
		"ECONNRESET",
		"getaddrinfo ENOTFOUND api.example.com",
		"EAI_AGAIN",
		"bash: frobnicate: command not found",
		"no such file or directory: foo.sh not found",
		"unsupported engine for this package",
		"requires node >=18",
		"wrong node version installed",
	}
	for _, msg := range recoverable {
		assert.True(t, IsDeterministicallyRecoverable(msg), "expected recoverable: %q", msg)
	}

	unrecoverable := []string{
		"permission denied writing to /etc/passwd",
		"syntax error: unexpected token",
		"assertion failed in test suite",
	}
	for _, msg := range unrecoverable {
		assert.False(t, IsDeterministicallyRecoverable(msg), "expected not recoverable: %q", msg)
	}
}

func TestContainsSpendingCapNotice(t *testing.T) {
	assert.True(t, ContainsSpendingCapNotice("Error: Spending Cap Reached, resets 8pm"))
	assert.False(t, ContainsSpendingCapNotice("everything is fine"))
}

// TestParseResetTime_LaterToday grounds the spending-cap reset parsing
// property: "resets 8pm" produces the exact duration until the next
// local 8:00 p.m. when that time has not yet passed today.
func TestParseResetTime_LaterToday(t *testing.T) {
	now := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	got, found, err := ParseResetTime("Spending cap reached, resets 8pm", now)
	require.NoError(t, err)
	require.True(t, found)
	want := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
	assert.Equal(t, 6*time.Hour, got.Sub(now))
}

// TestParseResetTime_RollsToNextDay grounds the same property's rollover
// branch: if the named time has already passed today, the next
// occurrence is tomorrow.
func TestParseResetTime_RollsToNextDay(t *testing.T) {
	now := time.Date(2026, 7, 31, 21, 0, 0, 0, time.UTC)
	got, found, err := ParseResetTime("resets at 8:00 pm", now)
	require.NoError(t, err)
	require.True(t, found)
	want := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestParseResetTime_WithMinutesAndAM(t *testing.T) {
	now := time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC)
	got, found, err := ParseResetTime("limit resets at 6:30 am", now)
	require.NoError(t, err)
	require.True(t, found)
	want := time.Date(2026, 7, 31, 6, 30, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestParseResetTime_NoMatch(t *testing.T) {
	_, found, err := ParseResetTime("no reset information here", time.Now())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFingerprint_Deterministic(t *testing.T) {
	id1, tok1 := Fingerprint("hello world")
	id2, tok2 := Fingerprint("hello world")
	assert.Equal(t, id1, id2)
	assert.Equal(t, tok1, tok2)
	assert.Len(t, id1, 12)
}

func TestFingerprint_DifferentTextsDiffer(t *testing.T) {
	id1, _ := Fingerprint("hello world")
	id2, _ := Fingerprint("goodbye world")
	assert.NotEqual(t, id1, id2)
}

func TestStubClient_CreateGoalDAG_ParsesBullets(t *testing.T) {
	s := &StubClient{}
	dag, err := s.CreateGoalDAG(context.Background(), "goal-1", "Do the thing:\n- step one\n- step two\n- step three")
	require.NoError(t, err)
	assert.Len(t, dag.Nodes, 3)
	assert.Len(t, dag.Edges, 2)
	assert.Equal(t, "goal-1", dag.GoalID)
}

func TestStubClient_CreateGoalDAG_NoBulletsBootstraps(t *testing.T) {
	s := &StubClient{}
	dag, err := s.CreateGoalDAG(context.Background(), "goal-1", "just do it somehow")
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 1)
	assert.Equal(t, "task-001", dag.Nodes[0].ID)
}
