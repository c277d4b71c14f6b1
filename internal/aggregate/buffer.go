package aggregate

import (
	"sync"

	"github.com/sells-group/listings-cli/internal/model"
)

// Item is a buffered raw record plus its emission index within the
// strategy that produced it.
type Item struct {
	Record model.RawRecord
	Seq    int
}

// Buffer is the append-only accumulation buffer shared by concurrently
// running strategies. Once sealed it rejects further appends.
type Buffer struct {
	mu     sync.Mutex
	items  []Item
	counts map[string]int
	sealed bool
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{counts: make(map[string]int)}
}

// Append adds an item and reports whether it was accepted.
func (b *Buffer) Append(it Item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.items = append(b.items, it)
	b.counts[it.Record.Source]++
	return true
}

// Seal stops the buffer accepting items.
func (b *Buffer) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Len returns the number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the buffered items.
func (b *Buffer) Snapshot() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, len(b.items))
	copy(out, b.items)
	return out
}

// Counts returns the number of items per source.
func (b *Buffer) Counts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}
