package sam

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/storage"
)

// MemoryStore is an in-memory Store for tests and embedded mode.
type MemoryStore struct {
	mu            sync.Mutex
	solicitations map[string]*Solicitation
	notices       map[string]*Notice
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		solicitations: make(map[string]*Solicitation),
		notices:       make(map[string]*Notice),
	}
}

func clone[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) UpsertSolicitation(_ context.Context, sol *Solicitation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := solicitationKey(sol.OrganizationID, sol.SolicitationNumber)
	now := time.Now().UTC()
	existing, ok := s.solicitations[key]
	if !ok {
		sol.ID = uuid.New().String()
		sol.CreatedAt = now
		sol.UpdatedAt = now
		s.solicitations[key] = clone(sol)
		return true, nil
	}
	merged := mergeSolicitation(existing, sol)
	merged.UpdatedAt = now
	s.solicitations[key] = clone(merged)
	*sol = *merged
	return false, nil
}

func (s *MemoryStore) GetSolicitation(_ context.Context, org, number string) (*Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.solicitations[solicitationKey(org, number)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(sol), nil
}

func (s *MemoryStore) ListSolicitations(_ context.Context, org string) ([]*Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Solicitation
	for _, sol := range s.solicitations {
		if org != "" && sol.OrganizationID != org {
			continue
		}
		out = append(out, clone(sol))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MutateSolicitation(_ context.Context, org, number string, fn func(*Solicitation) error) (*Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := solicitationKey(org, number)
	sol, ok := s.solicitations[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := clone(sol)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.solicitations[key] = next
	return clone(next), nil
}

func (s *MemoryStore) UpsertNotice(_ context.Context, n *Notice) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := noticeKey(n.OrganizationID, n.NoticeID)
	now := time.Now().UTC()
	existing, ok := s.notices[key]
	if !ok {
		n.ID = uuid.New().String()
		n.CreatedAt = now
		n.UpdatedAt = now
		s.notices[key] = clone(n)
		return true, nil
	}
	n.ID = existing.ID
	n.CreatedAt = existing.CreatedAt
	n.UpdatedAt = now
	s.notices[key] = clone(n)
	return false, nil
}

func (s *MemoryStore) GetNotice(_ context.Context, org, noticeID string) (*Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notices[noticeKey(org, noticeID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(n), nil
}

func (s *MemoryStore) ListNotices(_ context.Context, org string) ([]*Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Notice
	for _, n := range s.notices {
		if org != "" && n.OrganizationID != org {
			continue
		}
		out = append(out, clone(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
