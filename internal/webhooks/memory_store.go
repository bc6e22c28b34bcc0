package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	deliveries   map[string]*Delivery
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		destinations: make(map[string]*Destination),
		deliveries:   make(map[string]*Delivery),
	}
}

func (m *MemoryStore) PutDestination(_ context.Context, d *Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations[d.TargetID] = copyDestination(d)
	return nil
}

func (m *MemoryStore) GetDestination(_ context.Context, targetID string) (*Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[targetID]
	if !ok {
		return nil, ErrDestinationNotFound
	}
	return copyDestination(d), nil
}

func (m *MemoryStore) DeleteDestination(_ context.Context, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.destinations[targetID]; !ok {
		return ErrDestinationNotFound
	}
	delete(m.destinations, targetID)
	return nil
}

func (m *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return copyDelivery(d), nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	m.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Delivery
	for _, d := range m.deliveries {
		if claimable(d, now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Delivery, 0, len(due))
	for _, d := range due {
		leased := now.Add(lease)
		d.NextRetryAt = &leased
		out = append(out, copyDelivery(d))
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	if !claimable(d, now) {
		return nil, ErrNotClaimable
	}
	leased := now.Add(lease)
	d.NextRetryAt = &leased
	return copyDelivery(d), nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, targetID string, limit int) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Delivery
	for _, d := range m.deliveries {
		if d.TargetID == targetID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func claimable(d *Delivery, now time.Time) bool {
	return d.Status == DeliveryPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
}

func copyDestination(d *Destination) *Destination {
	cp := *d
	cp.Events = append([]EventType(nil), d.Events...)
	return &cp
}

func copyDelivery(d *Delivery) *Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		cp.NextRetryAt = &t
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		cp.DeliveredAt = &t
	}
	if d.LastAttemptAt != nil {
		t := *d.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
