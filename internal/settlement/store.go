package settlement

import (
	"context"
	"sync"
)

// Store persists settlement records. Save is called on every transition, so
// a restarted process can list non-terminal and unreconciled records.
//
// Create is the atomic claim on a request id: it inserts the initial record
// only if no record exists yet and reports whether it did. Concurrent
// submissions of the same id, including from separate replicas sharing one
// database, resolve through it with exactly one winner.
type Store interface {
	Get(ctx context.Context, requestID string) (*SettlementRecord, error)
	Create(ctx context.Context, record SettlementRecord) (bool, error)
	Save(ctx context.Context, record SettlementRecord) error
	ListByStatus(ctx context.Context, status Status) ([]SettlementRecord, error)
}

// MemoryStore backs tests and keyless local development.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]SettlementRecord)}
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (*SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[requestID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Create(_ context.Context, record SettlementRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[record.RequestID]; exists {
		return false, nil
	}
	m.data[record.RequestID] = record
	return true, nil
}

func (m *MemoryStore) Save(_ context.Context, record SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.RequestID] = record
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]SettlementRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SettlementRecord
	for _, rec := range m.data {
		if rec.OverallStatus == status {
			out = append(out, rec)
		}
	}
	return out, nil
}
