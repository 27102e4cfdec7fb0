package asset

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/docflow/storage"
)

// MemoryStore is an in-memory Store used by tests and the embedded
// single-process mode.
type MemoryStore struct {
	mu          sync.Mutex
	assets      map[string]*Asset
	versions    map[string][]*Version // asset id -> ordered versions
	extractions map[string]*Extraction
	metadata    map[string]*Metadata
	objectIdx   map[string]string // bucket|key -> asset id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[string]*Asset),
		versions:    make(map[string][]*Version),
		extractions: make(map[string]*Extraction),
		metadata:    make(map[string]*Metadata),
		objectIdx:   make(map[string]string),
	}
}

func clone[T any](v *T) *T {
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *Asset) (*Asset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.ExtractionTier == "" {
		a.ExtractionTier = TierNone
	}
	idxKey := storage.IndexKey(a.RawBucket, a.RawObjectKey)
	if existingID, ok := s.objectIdx[idxKey]; ok {
		return clone(s.assets[existingID]), false, nil
	}
	s.objectIdx[idxKey] = a.ID
	s.assets[a.ID] = clone(a)
	return clone(a), true, nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(a), nil
}

func (s *MemoryStore) MutateAsset(_ context.Context, id string, fn func(*Asset) error) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateAssetLocked(id, fn)
}

func (s *MemoryStore) mutateAssetLocked(id string, fn func(*Asset) error) (*Asset, error) {
	a, ok := s.assets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := clone(a)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.assets[id] = next
	return clone(next), nil
}

func (s *MemoryStore) ListAssets(_ context.Context, org string, f Filter) ([]*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Asset
	for _, a := range s.assets {
		if org != "" && a.OrganizationID != org {
			continue
		}
		if f.matches(a) {
			out = append(out, clone(a))
		}
	}
	sortAssets(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) FindByHash(_ context.Context, org, fileHash string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.OrganizationID == org && a.FileHash == fileHash && a.Status != StatusDeleted {
			return clone(a), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) FindByObject(_ context.Context, bucket, objectKey string) (*Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.objectIdx[storage.IndexKey(bucket, objectKey)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(s.assets[id]), nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.mutateAssetLocked(id, func(a *Asset) error {
		a.Status = StatusDeleted
		return nil
	})
	if err != nil {
		return err
	}
	delete(s.objectIdx, storage.IndexKey(a.RawBucket, a.RawObjectKey))
	return nil
}

func (s *MemoryStore) AddVersion(_ context.Context, assetID string, v *Version) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.mutateAssetLocked(assetID, func(a *Asset) error {
		a.CurrentVersionNumber++
		a.RawBucket = v.RawBucket
		a.RawObjectKey = v.RawObjectKey
		a.FileHash = v.FileHash
		a.FileSize = v.FileSize
		if v.ContentType != "" {
			a.ContentType = v.ContentType
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.AssetID = assetID
	v.VersionNumber = a.CurrentVersionNumber
	v.IsCurrent = true
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	for _, old := range s.versions[assetID] {
		old.IsCurrent = false
	}
	s.versions[assetID] = append(s.versions[assetID], clone(v))
	return clone(v), nil
}

func (s *MemoryStore) Versions(_ context.Context, assetID string) ([]*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[assetID]; !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]*Version, 0, len(s.versions[assetID]))
	for _, v := range s.versions[assetID] {
		out = append(out, clone(v))
	}
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, assetID string, n int) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[assetID] {
		if v.VersionNumber == n {
			return clone(v), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) CreateExtraction(_ context.Context, e *Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = ExtractionPending
	}
	if _, ok := s.extractions[e.ID]; ok {
		return storage.ErrAlreadyExists
	}
	s.extractions[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) GetExtraction(_ context.Context, id string) (*Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extractions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e), nil
}

func (s *MemoryStore) MutateExtraction(_ context.Context, id string, fn func(*Extraction) error) (*Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extractions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := clone(e)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.extractions[id] = next
	return clone(next), nil
}

func (s *MemoryStore) LatestExtractionForAsset(_ context.Context, assetID string) (*Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Extraction
	for _, e := range s.extractions {
		if e.AssetID != assetID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) CreateMetadata(_ context.Context, m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MetadataActive
	}
	m.IsCanonical = false
	s.metadata[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) PromoteMetadata(_ context.Context, id string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if m.IsCanonical {
		return nil, ErrAlreadyCanonical
	}
	now := time.Now().UTC()
	for _, prev := range s.metadata {
		if prev.AssetID == m.AssetID && prev.MetadataType == m.MetadataType && prev.IsCanonical {
			prev.IsCanonical = false
			prev.Status = MetadataSuperseded
			prev.SupersededByID = m.ID
			prev.SupersededAt = &now
		}
	}
	m.IsCanonical = true
	m.Status = MetadataActive
	m.PromotedAt = &now
	return clone(m), nil
}

func (s *MemoryStore) CanonicalMetadata(_ context.Context, assetID, metadataType string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.metadata {
		if m.AssetID == assetID && m.MetadataType == metadataType && m.IsCanonical && m.Status == MetadataActive {
			return clone(m), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) ListMetadata(_ context.Context, assetID string) ([]*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Metadata
	for _, m := range s.metadata {
		if m.AssetID == assetID {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
