package spawn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePID_BareInteger(t *testing.T) {
	pid, err := ParsePID("12345\n")
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestParsePID_SpawnedProcessLine(t *testing.T) {
	pid, err := ParsePID("Starting up...\nSpawned process with PID: 4242\n")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestParsePID_TrailingNumericToken(t *testing.T) {
	pid, err := ParsePID("launched agent-features-dev pid=777")
	require.NoError(t, err)
	assert.Equal(t, 777, pid)
}

func TestParsePID_NoNumber(t *testing.T) {
	_, err := ParsePID("no numbers here")
	assert.Error(t, err)
}

func TestDryRunAdapter_ReturnsSentinelPID(t *testing.T) {
	a := NewDryRunAdapter(nil)
	pid, err := a.Spawn(context.Background(), Request{Name: "features-dev", ParentPID: 1, Executable: "orchestra", Args: []string{"--role", "agent"}})
	require.NoError(t, err)
	assert.Equal(t, -1, pid)
}
