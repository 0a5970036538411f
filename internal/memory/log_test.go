package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog_EvictsOldest(t *testing.T) {
	l := NewLog(3)
	l.Append("a")
	l.Append("b")
	l.Append("c")
	l.Append("d")
	assert.Equal(t, []string{"b", "c", "d"}, l.Snapshot())
}

func TestLog_ExtendBeyondCap(t *testing.T) {
	l := NewLog(2)
	l.Extend([]string{"a", "b", "c", "d", "e"})
	assert.Equal(t, []string{"d", "e"}, l.Snapshot())
}

func TestLog_Hydrate(t *testing.T) {
	l := NewLog(5)
	l.Append("a")
	l.Hydrate([]string{"x", "y"})
	assert.Equal(t, []string{"x", "y"}, l.Snapshot())
}

func TestLog_DefaultCap(t *testing.T) {
	l := NewLog(0)
	for i := 0; i < 60; i++ {
		l.Append(fmt.Sprintf("entry-%d", i))
	}
	assert.Equal(t, DefaultLogCap, l.Len())
	assert.Equal(t, "entry-10", l.Snapshot()[0])
}

func TestLog_Flush(t *testing.T) {
	l := NewLog(5)
	l.Append("a")
	l.Flush()
	assert.Empty(t, l.Snapshot())
}
