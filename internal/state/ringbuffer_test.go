package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferWriteSplitsLines(t *testing.T) {
	rb := NewRingBuffer(10)

	n, err := rb.Write([]byte("first\nsecond\n"))
	require.NoError(t, err)
	assert.Equal(t, 13, n)
	assert.Equal(t, []string{"first", "second"}, rb.Tail(0))
}

func TestRingBufferPartialLineCarryover(t *testing.T) {
	rb := NewRingBuffer(10)

	_, _ = rb.Write([]byte("hel"))
	assert.Equal(t, 0, rb.Len(), "incomplete line must not be recorded")

	_, _ = rb.Write([]byte("lo\nworld"))
	assert.Equal(t, []string{"hello"}, rb.Tail(0))

	_, _ = rb.Write([]byte("\n"))
	assert.Equal(t, []string{"hello", "world"}, rb.Tail(0))
}

func TestRingBufferEvictsOldest(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.AppendLine(fmt.Sprintf("line-%d", i))
	}

	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []string{"line-3", "line-4", "line-5"}, rb.Tail(0))
}

func TestRingBufferTailLimit(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 1; i <= 4; i++ {
		rb.AppendLine(fmt.Sprintf("l%d", i))
	}

	assert.Equal(t, []string{"l3", "l4"}, rb.Tail(2))
	// asking for more than buffered returns everything
	assert.Equal(t, []string{"l1", "l2", "l3", "l4"}, rb.Tail(100))
}

func TestRingBufferReset(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.AppendLine("a")
	_, _ = rb.Write([]byte("part"))

	rb.Reset()
	assert.Equal(t, 0, rb.Len())

	_, _ = rb.Write([]byte("ial\n"))
	assert.Equal(t, []string{"ial"}, rb.Tail(0), "partial buffer must be dropped on reset")
}

func TestRingBufferDefaultCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	for i := 0; i < DefaultLogLines+10; i++ {
		rb.AppendLine("x")
	}
	assert.Equal(t, DefaultLogLines, rb.Len())
}
