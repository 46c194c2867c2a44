package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Firing is one due timer as seen by the scanner. FiresAt is the scheduled
// instant, not the observation time.
type Firing struct {
	OrderID    string    `json:"orderId"`
	Purpose    Purpose   `json:"purpose"`
	Generation int64     `json:"generation"`
	FiresAt    time.Time `json:"firesAt"`
}

// Store indexes armed timers across orders. Only the latest generation per
// (order, purpose) is kept.
type Store interface {
	Schedule(ctx context.Context, f Firing) error
	Remove(ctx context.Context, orderID string, purpose Purpose) error
	Due(ctx context.Context, now time.Time, limit int) ([]Firing, error)
	// Ack removes f only if it is still the current generation.
	Ack(ctx context.Context, f Firing) error
}

type memKey struct {
	orderID string
	purpose Purpose
}

// MemoryStore is an in-process min-heap index with lazy deletion.
type MemoryStore struct {
	mu      sync.Mutex
	heap    firingHeap
	current map[memKey]Firing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{current: make(map[memKey]Firing)}
}

func (m *MemoryStore) Schedule(_ context.Context, f Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[memKey{f.OrderID, f.Purpose}] = f
	heap.Push(&m.heap, f)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, orderID string, purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, memKey{orderID, purpose})
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Firing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Firing
	var keep []Firing
	seen := make(map[memKey]bool)
	for m.heap.Len() > 0 && (limit <= 0 || len(out) < limit) {
		top := m.heap[0]
		if top.FiresAt.After(now) {
			break
		}
		heap.Pop(&m.heap)
		k := memKey{top.OrderID, top.Purpose}
		cur, ok := m.current[k]
		if !ok || cur.Generation != top.Generation || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, top)
		keep = append(keep, top)
	}
	// due entries stay indexed until acked
	for _, f := range keep {
		heap.Push(&m.heap, f)
	}
	return out, nil
}

func (m *MemoryStore) Ack(_ context.Context, f Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{f.OrderID, f.Purpose}
	if cur, ok := m.current[k]; ok && cur.Generation == f.Generation {
		delete(m.current, k)
	}
	return nil
}

// Len returns the number of live timers.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}

type firingHeap []Firing

func (h firingHeap) Len() int { return len(h) }
func (h firingHeap) Less(i, j int) bool {
	if h[i].FiresAt.Equal(h[j].FiresAt) {
		return h[i].OrderID < h[j].OrderID
	}
	return h[i].FiresAt.Before(h[j].FiresAt)
}
func (h firingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *firingHeap) Push(x any)   { *h = append(*h, x.(Firing)) }
func (h *firingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
