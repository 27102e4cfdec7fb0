package asset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Filter narrows an asset listing. Zero values match everything. Deleted
// assets are excluded unless IncludeDeleted is set.
type Filter struct {
	SourceTypes    []SourceType
	Statuses       []Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f Filter) matches(a *Asset) bool {
	if !f.IncludeDeleted && a.Status == StatusDeleted {
		return false
	}
	if len(f.SourceTypes) > 0 && !contains(f.SourceTypes, a.SourceType) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	return true
}

func contains[T comparable](vals []T, v T) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Store persists assets, versions, extraction attempts, and metadata slots.
type Store interface {
	// CreateAsset inserts the asset, enforcing raw-object uniqueness. A
	// collision on (raw_bucket, raw_object_key) is treated as reuse: the
	// existing asset is returned with created false.
	CreateAsset(ctx context.Context, a *Asset) (*Asset, bool, error)
	GetAsset(ctx context.Context, id string) (*Asset, error)
	MutateAsset(ctx context.Context, id string, fn func(*Asset) error) (*Asset, error)
	ListAssets(ctx context.Context, org string, f Filter) ([]*Asset, error)
	FindByHash(ctx context.Context, org, fileHash string) (*Asset, error)
	FindByObject(ctx context.Context, bucket, objectKey string) (*Asset, error)
	SoftDelete(ctx context.Context, id string) error

	// AddVersion appends an immutable snapshot, assigns the next version
	// number, flips the previous current version, and updates the asset's
	// raw pointers.
	AddVersion(ctx context.Context, assetID string, v *Version) (*Version, error)
	Versions(ctx context.Context, assetID string) ([]*Version, error)
	GetVersion(ctx context.Context, assetID string, n int) (*Version, error)

	CreateExtraction(ctx context.Context, e *Extraction) error
	GetExtraction(ctx context.Context, id string) (*Extraction, error)
	MutateExtraction(ctx context.Context, id string, fn func(*Extraction) error) (*Extraction, error)
	LatestExtractionForAsset(ctx context.Context, assetID string) (*Extraction, error)

	CreateMetadata(ctx context.Context, m *Metadata) error
	// PromoteMetadata makes the record canonical, superseding any previous
	// canonical record of the same (asset_id, metadata_type). Promoting an
	// already-canonical record is rejected.
	PromoteMetadata(ctx context.Context, id string) (*Metadata, error)
	CanonicalMetadata(ctx context.Context, assetID, metadataType string) (*Metadata, error)
	ListMetadata(ctx context.Context, assetID string) ([]*Metadata, error)
}

// ErrAlreadyCanonical is returned when promoting a metadata record that is
// already the canonical one.
var ErrAlreadyCanonical = errors.New("metadata record is already canonical")

const casAttempts = 10

type kvStore struct {
	assets      *storage.KV
	versions    *storage.KV
	extractions *storage.KV
	metadata    *storage.KV
	objectIdx   *storage.KV
}

// NewStore opens the asset-family buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	assets, err := storage.OpenKV(ctx, js, storage.BucketAssets)
	if err != nil {
		return nil, err
	}
	versions, err := storage.OpenKV(ctx, js, storage.BucketAssetVersions)
	if err != nil {
		return nil, err
	}
	extractions, err := storage.OpenKV(ctx, js, storage.BucketExtractions)
	if err != nil {
		return nil, err
	}
	metadata, err := storage.OpenKV(ctx, js, storage.BucketAssetMetadata)
	if err != nil {
		return nil, err
	}
	objectIdx, err := storage.OpenKV(ctx, js, storage.BucketIdxObject)
	if err != nil {
		return nil, err
	}
	return &kvStore{
		assets:      assets,
		versions:    versions,
		extractions: extractions,
		metadata:    metadata,
		objectIdx:   objectIdx,
	}, nil
}

func (s *kvStore) CreateAsset(ctx context.Context, a *Asset) (*Asset, bool, error) {
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
	err := s.objectIdx.CreateString(ctx, idxKey, a.ID)
	if errors.Is(err, storage.ErrAlreadyExists) {
		existingID, err := s.objectIdx.GetString(ctx, idxKey)
		if err != nil {
			return nil, false, err
		}
		existing, err := s.GetAsset(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := s.assets.Create(ctx, a.ID, a); err != nil {
		return nil, false, fmt.Errorf("store asset: %w", err)
	}
	return a, true, nil
}

func (s *kvStore) GetAsset(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	if _, err := s.assets.Get(ctx, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *kvStore) MutateAsset(ctx context.Context, id string, fn func(*Asset) error) (*Asset, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var a Asset
		rev, err := s.assets.Get(ctx, id, &a)
		if err != nil {
			return nil, err
		}
		if err := fn(&a); err != nil {
			return nil, err
		}
		a.UpdatedAt = time.Now().UTC()
		err = s.assets.Update(ctx, id, &a, rev)
		if err == nil {
			return &a, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate asset %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) ListAssets(ctx context.Context, org string, f Filter) ([]*Asset, error) {
	keys, err := s.assets.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Asset
	for _, key := range keys {
		var a Asset
		if _, err := s.assets.Get(ctx, key, &a); err != nil {
			continue
		}
		if org != "" && a.OrganizationID != org {
			continue
		}
		if f.matches(&a) {
			out = append(out, &a)
		}
	}
	sortAssets(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func sortAssets(assets []*Asset) {
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *kvStore) FindByHash(ctx context.Context, org, fileHash string) (*Asset, error) {
	assets, err := s.ListAssets(ctx, org, Filter{})
	if err != nil {
		return nil, err
	}
	for _, a := range assets {
		if a.FileHash == fileHash {
			return a, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *kvStore) FindByObject(ctx context.Context, bucket, objectKey string) (*Asset, error) {
	id, err := s.objectIdx.GetString(ctx, storage.IndexKey(bucket, objectKey))
	if err != nil {
		return nil, err
	}
	return s.GetAsset(ctx, id)
}

func (s *kvStore) SoftDelete(ctx context.Context, id string) error {
	a, err := s.MutateAsset(ctx, id, func(a *Asset) error {
		a.Status = StatusDeleted
		return nil
	})
	if err != nil {
		return err
	}
	// Free the object slot so a future ingest of the same path creates a
	// fresh asset rather than resurrecting the deleted one.
	return s.objectIdx.Delete(ctx, storage.IndexKey(a.RawBucket, a.RawObjectKey))
}

func versionKey(assetID string, n int) string {
	return fmt.Sprintf("%s.%06d", assetID, n)
}

func (s *kvStore) AddVersion(ctx context.Context, assetID string, v *Version) (*Version, error) {
	a, err := s.MutateAsset(ctx, assetID, func(a *Asset) error {
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

	// Flip the previous current snapshot before inserting the new one so a
	// reader never sees two current versions.
	if prev := v.VersionNumber - 1; prev >= 1 {
		var old Version
		if _, err := s.versions.Get(ctx, versionKey(assetID, prev), &old); err == nil {
			old.IsCurrent = false
			if err := s.versions.Put(ctx, versionKey(assetID, prev), &old); err != nil {
				return nil, err
			}
		}
	}
	if err := s.versions.Create(ctx, versionKey(assetID, v.VersionNumber), v); err != nil {
		return nil, fmt.Errorf("store version %d of %s: %w", v.VersionNumber, assetID, err)
	}
	return v, nil
}

func (s *kvStore) Versions(ctx context.Context, assetID string) ([]*Version, error) {
	a, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	out := make([]*Version, 0, a.CurrentVersionNumber)
	for n := 1; n <= a.CurrentVersionNumber; n++ {
		var v Version
		if _, err := s.versions.Get(ctx, versionKey(assetID, n), &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *kvStore) GetVersion(ctx context.Context, assetID string, n int) (*Version, error) {
	var v Version
	if _, err := s.versions.Get(ctx, versionKey(assetID, n), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *kvStore) CreateExtraction(ctx context.Context, e *Extraction) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = ExtractionPending
	}
	return s.extractions.Create(ctx, e.ID, e)
}

func (s *kvStore) GetExtraction(ctx context.Context, id string) (*Extraction, error) {
	var e Extraction
	if _, err := s.extractions.Get(ctx, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *kvStore) MutateExtraction(ctx context.Context, id string, fn func(*Extraction) error) (*Extraction, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var e Extraction
		rev, err := s.extractions.Get(ctx, id, &e)
		if err != nil {
			return nil, err
		}
		if err := fn(&e); err != nil {
			return nil, err
		}
		err = s.extractions.Update(ctx, id, &e, rev)
		if err == nil {
			return &e, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate extraction %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) LatestExtractionForAsset(ctx context.Context, assetID string) (*Extraction, error) {
	keys, err := s.extractions.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var latest *Extraction
	for _, key := range keys {
		var e Extraction
		if _, err := s.extractions.Get(ctx, key, &e); err != nil {
			continue
		}
		if e.AssetID != assetID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			copied := e
			latest = &copied
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return latest, nil
}

func (s *kvStore) CreateMetadata(ctx context.Context, m *Metadata) error {
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
	return s.metadata.Create(ctx, m.ID, m)
}

func (s *kvStore) PromoteMetadata(ctx context.Context, id string) (*Metadata, error) {
	var m Metadata
	rev, err := s.metadata.Get(ctx, id, &m)
	if err != nil {
		return nil, err
	}
	if m.IsCanonical {
		return nil, ErrAlreadyCanonical
	}
	now := time.Now().UTC()

	// Supersede the previous canonical record first, then promote. The two
	// writes are ordered so the "at most one active canonical" invariant
	// holds at every intermediate state.
	prev, err := s.CanonicalMetadata(ctx, m.AssetID, m.MetadataType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if prev != nil {
		prev.IsCanonical = false
		prev.Status = MetadataSuperseded
		prev.SupersededByID = m.ID
		prev.SupersededAt = &now
		if err := s.metadata.Put(ctx, prev.ID, prev); err != nil {
			return nil, err
		}
	}

	m.IsCanonical = true
	m.Status = MetadataActive
	m.PromotedAt = &now
	if err := s.metadata.Update(ctx, id, &m, rev); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *kvStore) CanonicalMetadata(ctx context.Context, assetID, metadataType string) (*Metadata, error) {
	records, err := s.ListMetadata(ctx, assetID)
	if err != nil {
		return nil, err
	}
	for _, m := range records {
		if m.MetadataType == metadataType && m.IsCanonical && m.Status == MetadataActive {
			return m, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *kvStore) ListMetadata(ctx context.Context, assetID string) ([]*Metadata, error) {
	keys, err := s.metadata.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Metadata
	for _, key := range keys {
		var m Metadata
		if _, err := s.metadata.Get(ctx, key, &m); err != nil {
			continue
		}
		if m.AssetID == assetID {
			copied := m
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
