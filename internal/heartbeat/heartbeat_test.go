package heartbeat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SkipsBlankAndComments(t *testing.T) {
	text := "# a comment\n\n  \npause\nDROP-TASK n1\nELEVATE n2 7\nFLUSH-MEMORY\n"
	directives := Parse(text)
	require.Len(t, directives, 4)
	assert.Equal(t, CmdPause, directives[0].Command)
	assert.Equal(t, CmdDropTask, directives[1].Command)
	assert.Equal(t, []string{"n1"}, directives[1].Args)
	assert.Equal(t, CmdElevate, directives[2].Command)
	assert.Equal(t, CmdFlushMem, directives[3].Command)
}

func TestDirective_Elevate_NonNumericIgnored(t *testing.T) {
	d := Directive{Command: CmdElevate, Args: []string{"n1", "high"}}
	_, _, ok := d.Elevate()
	assert.False(t, ok)

	d = Directive{Command: CmdElevate, Args: []string{"n1", "7"}}
	taskID, priority, ok := d.Elevate()
	assert.True(t, ok)
	assert.Equal(t, "n1", taskID)
	assert.Equal(t, 7, priority)
}

func TestRead_MissingFileIsEmpty(t *testing.T) {
	directives, err := Read(filepath.Join(t.TempDir(), "missing.txt"))
	require.NoError(t, err)
	assert.Empty(t, directives)
}

func TestRead_IsNonConsuming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat.txt")
	require.NoError(t, os.WriteFile(path, []byte("PAUSE\n"), 0o644))

	first, err := Read(path)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := Read(path)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first, second)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PAUSE\n", string(raw))
}
