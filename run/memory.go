package run

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360studio/docflow/storage"
)

// MemoryStore is an in-memory Store used by tests and the embedded
// single-process mode. All methods are safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*Run
	logs   map[string][]*LogEvent
	groups map[string]*Group
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*Run),
		logs:   make(map[string][]*LogEvent),
		groups: make(map[string]*Group),
	}
}

func cloneJSON[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) Create(_ context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.runs[r.ID] = cloneJSON(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneJSON(r), nil
}

func (s *MemoryStore) Mutate(_ context.Context, id string, fn func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := cloneJSON(r)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.runs[id] = next
	return cloneJSON(next), nil
}

func (s *MemoryStore) List(_ context.Context, org string, f Filter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, r := range s.runs {
		if org != "" && r.OrganizationID != org {
			continue
		}
		if f.matches(r) {
			out = append(out, cloneJSON(r))
		}
	}
	sortRuns(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) AppendLog(_ context.Context, ev *LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = len(s.logs[ev.RunID])
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.logs[ev.RunID] = append(s.logs[ev.RunID], cloneJSON(ev))
	return nil
}

func (s *MemoryStore) Logs(_ context.Context, runID string) ([]*LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]*LogEvent, 0, len(s.logs[runID]))
	for _, ev := range s.logs[runID] {
		events = append(events, cloneJSON(ev))
	}
	return events, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.groups[g.ID] = cloneJSON(g)
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneJSON(g), nil
}

func (s *MemoryStore) MutateGroup(_ context.Context, id string, fn func(*Group) error) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := cloneJSON(g)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.groups[id] = next
	return cloneJSON(next), nil
}
