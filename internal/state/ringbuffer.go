package state

import (
	"bytes"
	"sync"
)

// RingBuffer keeps the most recent N lines written to it. It implements
// io.Writer so it can be attached directly to a child's stdout/stderr pipe;
// writes are split on newlines and a trailing partial line is carried over
// until completed.
type RingBuffer struct {
	mu      sync.Mutex
	lines   []string
	max     int
	next    int
	full    bool
	partial bytes.Buffer
}

const DefaultLogLines = 500

// NewRingBuffer returns a buffer holding up to max lines (DefaultLogLines
// when max <= 0).
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = DefaultLogLines
	}
	return &RingBuffer{lines: make([]string, max), max: max}
}

// Write appends p, recording each completed line. It never fails.
func (b *RingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p {
		if c == '\n' {
			b.push(b.partial.String())
			b.partial.Reset()
			continue
		}
		b.partial.WriteByte(c)
	}
	return len(p), nil
}

// AppendLine records a single complete line.
func (b *RingBuffer) AppendLine(line string) {
	b.mu.Lock()
	b.push(line)
	b.mu.Unlock()
}

func (b *RingBuffer) push(line string) {
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.max
	if b.next == 0 {
		b.full = true
	}
}

// Len reports how many lines are currently buffered.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return b.max
	}
	return b.next
}

// Tail returns up to n most recent lines, oldest first. n <= 0 returns all
// buffered lines.
func (b *RingBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := b.next
	if b.full {
		size = b.max
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]string, 0, n)
	start := b.next - n
	if start < 0 {
		start += b.max
	}
	for i := 0; i < n; i++ {
		out = append(out, b.lines[(start+i)%b.max])
	}
	return out
}

// Reset drops all buffered lines.
func (b *RingBuffer) Reset() {
	b.mu.Lock()
	b.lines = make([]string, b.max)
	b.next = 0
	b.full = false
	b.partial.Reset()
	b.mu.Unlock()
}
