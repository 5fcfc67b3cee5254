package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process mirror store used for tests and runs without
// a database.
type MemoryStore struct {
	mu      sync.Mutex
	workers map[string]WorkerRow
	dead    []DeadEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workers: make(map[string]WorkerRow)}
}

func (m *MemoryStore) UpsertWorker(_ context.Context, row WorkerRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.Status == "" {
		row.Status = WorkerActive
	}
	if row.LastHeartbeat.IsZero() {
		row.LastHeartbeat = time.Now().UTC()
	}
	m.workers[row.WorkerID] = row
	return nil
}

func (m *MemoryStore) UpdateWorkerHeartbeat(_ context.Context, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.workers[workerID]
	if !ok {
		return nil
	}
	row.LastHeartbeat = at
	row.Status = WorkerActive
	m.workers[workerID] = row
	return nil
}

func (m *MemoryStore) MarkWorkerStatus(_ context.Context, workerID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.workers[workerID]
	if !ok {
		return nil
	}
	row.Status = status
	m.workers[workerID] = row
	return nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]WorkerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerRow, 0, len(m.workers))
	for _, row := range m.workers {
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryStore) ArchiveDeadLetter(_ context.Context, entry DeadEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, entry)
	return nil
}
