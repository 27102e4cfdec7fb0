package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/storage"
)

// MemoryStore is an in-memory Store for tests and embedded mode.
type MemoryStore struct {
	mu       sync.Mutex
	procs    map[string]*Procedure
	triggers map[string]*Trigger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		procs:    make(map[string]*Procedure),
		triggers: make(map[string]*Trigger),
	}
}

func cloneAs[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) SaveProcedure(_ context.Context, p *Procedure) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.procs[p.ID] = cloneAs(p)
	return nil
}

func (s *MemoryStore) GetProcedure(_ context.Context, id string) (*Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAs(p), nil
}

func (s *MemoryStore) ListProcedures(_ context.Context, org string) ([]*Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Procedure
	for _, p := range s.procs {
		if org != "" && p.OrganizationID != "" && p.OrganizationID != org {
			continue
		}
		out = append(out, cloneAs(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteProcedure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, id)
	return nil
}

func (s *MemoryStore) SaveTrigger(_ context.Context, t *Trigger) error {
	if t.TriggerType == TriggerCron {
		if _, err := parseCron(t.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", t.CronExpression, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.triggers[t.ID] = cloneAs(t)
	return nil
}

func (s *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAs(t), nil
}

func (s *MemoryStore) ListTriggers(_ context.Context, org string) ([]*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Trigger
	for _, t := range s.triggers {
		if org != "" && t.OrganizationID != "" && t.OrganizationID != org {
			continue
		}
		out = append(out, cloneAs(t))
	}
	return out, nil
}

func (s *MemoryStore) TriggersForProcedure(_ context.Context, procedureID string) ([]*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Trigger
	for _, t := range s.triggers {
		if t.ProcedureID == procedureID {
			out = append(out, cloneAs(t))
		}
	}
	return out, nil
}

func (s *MemoryStore) MutateTrigger(_ context.Context, id string, fn func(*Trigger) error) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := cloneAs(t)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.triggers[id] = next
	return cloneAs(next), nil
}
