package guardrail

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*Policy
	owners map[string]*Policy
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]*Policy),
		owners: make(map[string]*Policy),
	}
}

func (m *MemoryStore) GetAgentPolicy(_ context.Context, agentID string) (*Policy, error) {
	return m.get(m.agents, agentID)
}

func (m *MemoryStore) PutAgentPolicy(_ context.Context, agentID string, p *Policy) error {
	m.put(m.agents, agentID, p)
	return nil
}

func (m *MemoryStore) GetMasterPolicy(_ context.Context, ownerID string) (*Policy, error) {
	return m.get(m.owners, ownerID)
}

func (m *MemoryStore) PutMasterPolicy(_ context.Context, ownerID string, p *Policy) error {
	m.put(m.owners, ownerID, p)
	return nil
}

func (m *MemoryStore) get(from map[string]*Policy, key string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := from[key]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) put(into map[string]*Policy, key string, p *Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	into[key] = clonePolicy(p)
}
