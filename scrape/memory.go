package scrape

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
	mu          sync.Mutex
	collections map[string]*Collection
	sources     map[string]*Source
	scraped     map[string]*ScrapedAsset
	index       map[string]string // collection|url -> scraped id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*Collection),
		sources:     make(map[string]*Source),
		scraped:     make(map[string]*ScrapedAsset),
		index:       make(map[string]string),
	}
}

func clone[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) SaveCollection(_ context.Context, c *Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.collections[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetCollection(_ context.Context, id string) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) ListCollections(_ context.Context, org string) ([]*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Collection
	for _, c := range s.collections {
		if org != "" && c.OrganizationID != org {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveSource(_ context.Context, src *Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	s.sources[src.ID] = clone(src)
	return nil
}

func (s *MemoryStore) SourcesForCollection(_ context.Context, collectionID string) ([]*Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Source
	for _, src := range s.sources {
		if src.CollectionID == collectionID {
			out = append(out, clone(src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateScraped(_ context.Context, sa *ScrapedAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sa.CollectionID + "|" + sa.NormalizedURL
	if _, exists := s.index[key]; exists {
		return storage.ErrAlreadyExists
	}
	if sa.ID == "" {
		sa.ID = uuid.New().String()
	}
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	s.index[key] = sa.ID
	s.scraped[sa.ID] = clone(sa)
	return nil
}

func (s *MemoryStore) FindScraped(_ context.Context, collectionID, normalizedURL string) (*ScrapedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.index[collectionID+"|"+normalizedURL]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.scraped[id]), nil
}

func (s *MemoryStore) MutateScraped(_ context.Context, id string, fn func(*ScrapedAsset) error) (*ScrapedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.scraped[id]
	if !ok {
		return nil, fmt.Errorf("scraped asset %s: %w", id, storage.ErrNotFound)
	}
	next := clone(sa)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.scraped[id] = next
	return clone(next), nil
}

func (s *MemoryStore) ListScraped(_ context.Context, collectionID string) ([]*ScrapedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScrapedAsset
	for _, sa := range s.scraped {
		if sa.CollectionID == collectionID {
			out = append(out, clone(sa))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
