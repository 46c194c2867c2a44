package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/storefront/preorder/internal/order"
	"github.com/storefront/preorder/pkg/saga"
)

// MemoryStore keeps the log in process. Events and snapshots are stored
// encoded so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string][][]byte
	snapshots map[string][]byte
	status    map[string]order.Status
	comp      map[string]saga.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][][]byte),
		snapshots: make(map[string][]byte),
		status:    make(map[string]order.Status),
		comp:      make(map[string]saga.State),
	}
}

func (m *MemoryStore) Append(_ context.Context, ev order.Event, snap *order.Order) error {
	if ev.Version <= 0 || snap == nil || snap.Version != ev.Version {
		return fmt.Errorf("append %s: snapshot version %d does not match event version %d", ev.OrderID, snapVersion(snap), ev.Version)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data, err := snap.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(m.events[ev.OrderID])) != ev.Version-1 {
		return ErrSequenceConflict
	}
	m.events[ev.OrderID] = append(m.events[ev.OrderID], payload)
	m.snapshots[ev.OrderID] = data
	m.status[ev.OrderID] = snap.Status
	m.comp[ev.OrderID] = snap.Compensation()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, orderID string) ([]order.Event, error) {
	m.mu.RLock()
	raw := m.events[orderID]
	m.mu.RUnlock()
	if len(raw) == 0 {
		return nil, ErrOrderNotFound
	}
	events := make([]order.Event, 0, len(raw))
	for i, payload := range raw {
		var ev order.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s v%d: %w", orderID, i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	data, ok := m.snapshots[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order.UnmarshalSnapshot(data)
}

func (m *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	return m.list(func(s order.Status, c saga.State) bool {
		return !s.Terminal() || (s == order.StatusCancelled && c == saga.StateRunning)
	}), nil
}

func (m *MemoryStore) ListCompensationFailed(_ context.Context) ([]string, error) {
	return m.list(func(s order.Status, c saga.State) bool {
		return s == order.StatusCancelled && c == saga.StateFailed
	}), nil
}

func (m *MemoryStore) list(match func(order.Status, saga.State) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.status {
		if match(s, m.comp[id]) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of events stored for orderID.
func (m *MemoryStore) Len(orderID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events[orderID])
}
