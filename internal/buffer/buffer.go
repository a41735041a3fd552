package buffer

import (
	"sync"
)

// Buffer collects entries in insertion order and indexes them by key so the
// latest entry for a key is found without scanning.
type Buffer[T any] struct {
	mu    sync.Mutex
	ts    []T
	index map[string][]int
}

func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{index: map[string][]int{}}
}

func (b *Buffer[T]) Add(key string, e T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ts = append(b.ts, e)
	b.index[key] = append(b.index[key], len(b.ts)-1)
}

// Latest returns the most recently added entry for key.
func (b *Buffer[T]) Latest(key string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	positions := b.index[key]
	if len(positions) == 0 {
		return zero, false
	}
	return b.ts[positions[len(positions)-1]], true
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ts)
}

// Entries returns a copy of the buffered entries in insertion order.
func (b *Buffer[T]) Entries() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.ts))
	copy(out, b.ts)
	return out
}

func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	es := b.ts
	b.ts = nil
	b.index = map[string][]int{}
	b.mu.Unlock()
	return es
}

// Clone copies the buffer, applying dup to every entry.
func (b *Buffer[T]) Clone(dup func(T) T) *Buffer[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Buffer[T]{ts: make([]T, len(b.ts)), index: make(map[string][]int, len(b.index))}
	for i, e := range b.ts {
		c.ts[i] = dup(e)
	}
	for k, v := range b.index {
		c.index[k] = append([]int(nil), v...)
	}
	return c
}
