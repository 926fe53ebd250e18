package history

import (
	"context"
	"sort"
	"sync"

	"github.com/HMasataka/huddle/pkg/domain"
)

// Capacity is the size of the in-memory history
const Capacity = 50

// Buffer is a bounded, timestamp-ordered message log. Appending past capacity
// evicts the oldest entry.
type Buffer struct {
	mu       sync.RWMutex
	items    []domain.Message
	capacity int
}

// NewBuffer creates a buffer holding at most capacity messages
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Buffer{
		items:    make([]domain.Message, 0, capacity+1),
		capacity: capacity,
	}
}

// Append implements Store
func (b *Buffer) Append(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// first index whose timestamp is strictly after msg keeps equal stamps in arrival order
	i := sort.Search(len(b.items), func(i int) bool {
		return b.items[i].Timestamp.After(msg.Timestamp)
	})
	b.items = append(b.items, domain.Message{})
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = msg

	if over := len(b.items) - b.capacity; over > 0 {
		b.items = append(b.items[:0], b.items[over:]...)
	}
	return nil
}

// Recent implements Store
func (b *Buffer) Recent(_ context.Context, limit int) ([]domain.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		return []domain.Message{}, nil
	}
	start := len(b.items) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, len(b.items)-start)
	copy(out, b.items[start:])
	return out, nil
}

// Len returns the number of buffered messages
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Mode implements Store
func (b *Buffer) Mode() Mode {
	return ModeMemory
}

// Close implements Store
func (b *Buffer) Close() error {
	return nil
}
