package sharepoint

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
	mu      sync.Mutex
	configs map[string]*SyncConfig
	docs    map[string]*SyncedDocument
	docIdx  map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[string]*SyncConfig),
		docs:    make(map[string]*SyncedDocument),
		docIdx:  make(map[string]string),
	}
}

func clone[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) SaveConfig(_ context.Context, c *SyncConfig) error {
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
	s.configs[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetConfig(_ context.Context, id string) (*SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) ListConfigs(_ context.Context, org string) ([]*SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SyncConfig
	for _, c := range s.configs {
		if org != "" && c.OrganizationID != org {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MutateConfig(_ context.Context, id string, fn func(*SyncConfig) error) (*SyncConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("sync config %s: %w", id, storage.ErrNotFound)
	}
	next := clone(c)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.configs[id] = next
	return clone(next), nil
}

func (s *MemoryStore) CreateDoc(_ context.Context, d *SyncedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.SyncConfigID + "|" + d.SharePointItemID
	if _, exists := s.docIdx[key]; exists {
		return storage.ErrAlreadyExists
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.docIdx[key] = d.ID
	s.docs[d.ID] = clone(d)
	return nil
}

func (s *MemoryStore) FindDocByItem(_ context.Context, syncConfigID, itemID string) (*SyncedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.docIdx[syncConfigID+"|"+itemID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.docs[id]), nil
}

func (s *MemoryStore) MutateDoc(_ context.Context, id string, fn func(*SyncedDocument) error) (*SyncedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("synced document %s: %w", id, storage.ErrNotFound)
	}
	next := clone(d)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.docs[id] = next
	return clone(next), nil
}

func (s *MemoryStore) ListDocs(_ context.Context, syncConfigID string) ([]*SyncedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SyncedDocument
	for _, d := range s.docs {
		if d.SyncConfigID == syncConfigID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
