package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps tasks in process memory only; pending retries are lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]Record{}}
}

func (m *MemoryStore) PutTask(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = rec
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) PendingTasks(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.tasks))
	for _, r := range m.tasks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadyAt.Before(out[j].ReadyAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
