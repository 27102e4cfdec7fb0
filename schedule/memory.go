package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/docflow/storage"
)

// MemoryStore is an in-memory Store for tests and embedded mode.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func cloneTask(t *Task) *Task {
	data, _ := json.Marshal(t)
	out := new(Task)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	reconcileNextRun(t, now)
	s.tasks[t.Name] = cloneTask(t)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
	return nil
}

func (s *MemoryStore) Mutate(_ context.Context, name string, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", name, storage.ErrNotFound)
	}
	next := cloneTask(t)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.tasks[name] = next
	return cloneTask(next), nil
}
