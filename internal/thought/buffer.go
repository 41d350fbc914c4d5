// Package thought provides the bounded ring of recent self-directed
// thoughts the cognitive loop feeds back into its own prompts. Two
// independent instances exist at runtime: a review buffer for idle
// reflection and a focused buffer active while a conversation is
// selected. There is no cross-buffer flow.
package thought

import "strings"

// DefaultCapacity is the number of thoughts retained per buffer.
const DefaultCapacity = 5

// marker prefixes concatenated thoughts so the model reads them as
// internal monologue rather than addressed output.
const marker = "[inner thought]"

// Buffer is a bounded FIFO of thought strings. Not safe for concurrent
// use; the loop is the sole owner.
type Buffer struct {
	thoughts []string
	capacity int
}

// NewBuffer creates a buffer holding at most capacity thoughts.
// Non-positive capacities fall back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Push appends a thought, evicting the oldest when at capacity.
// Empty thoughts are ignored.
func (b *Buffer) Push(thought string) {
	thought = strings.TrimSpace(thought)
	if thought == "" {
		return
	}
	if len(b.thoughts) >= b.capacity {
		b.thoughts = b.thoughts[1:]
	}
	b.thoughts = append(b.thoughts, thought)
}

// Has reports whether the buffer contains any thoughts.
func (b *Buffer) Has() bool {
	return len(b.thoughts) > 0
}

// Len returns the number of retained thoughts.
func (b *Buffer) Len() int {
	return len(b.thoughts)
}

// Concatenated joins the retained thoughts, oldest first, one per line,
// each prefixed with the internal-monologue marker. Returns "" when
// empty.
func (b *Buffer) Concatenated() string {
	if len(b.thoughts) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, th := range b.thoughts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(marker)
		sb.WriteByte(' ')
		sb.WriteString(th)
	}
	return sb.String()
}
