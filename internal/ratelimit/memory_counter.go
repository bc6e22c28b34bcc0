package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowKey struct {
	key   string
	start time.Time
}

// MemoryCounter is a process-local CounterStore.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[windowKey]int
}

// NewMemoryCounter creates an empty in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[windowKey]int)}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := windowKey{key: key, start: windowStart}
	m.counts[k]++
	return m.counts[k], nil
}

func (m *MemoryCounter) Prune(_ context.Context, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.counts {
		if k.start.Before(cutoff) {
			delete(m.counts, k)
		}
	}
	return nil
}

func (m *MemoryCounter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counts)
}
