package scrape

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

// Store persists collections, their seed sources, and the per-URL scraped
// asset records. CreateScraped enforces (collection_id, normalized_url)
// uniqueness with insert-once semantics on the index bucket.
type Store interface {
	SaveCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, id string) (*Collection, error)
	ListCollections(ctx context.Context, org string) ([]*Collection, error)

	SaveSource(ctx context.Context, s *Source) error
	SourcesForCollection(ctx context.Context, collectionID string) ([]*Source, error)

	CreateScraped(ctx context.Context, sa *ScrapedAsset) error
	FindScraped(ctx context.Context, collectionID, normalizedURL string) (*ScrapedAsset, error)
	MutateScraped(ctx context.Context, id string, fn func(*ScrapedAsset) error) (*ScrapedAsset, error)
	ListScraped(ctx context.Context, collectionID string) ([]*ScrapedAsset, error)
}

const casAttempts = 10

type kvStore struct {
	collections *storage.KV
	scraped     *storage.KV
	scrapedIdx  *storage.KV
}

// NewStore opens the scrape buckets. Sources are embedded in the collection
// bucket under a composite key.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	collections, err := storage.OpenKV(ctx, js, storage.BucketCollections)
	if err != nil {
		return nil, err
	}
	scraped, err := storage.OpenKV(ctx, js, storage.BucketScrapedAssets)
	if err != nil {
		return nil, err
	}
	scrapedIdx, err := storage.OpenKV(ctx, js, storage.BucketIdxScraped)
	if err != nil {
		return nil, err
	}
	return &kvStore{collections: collections, scraped: scraped, scrapedIdx: scrapedIdx}, nil
}

func collectionKey(id string) string  { return storage.IndexKey("col", id) }
func sourceKey(col, id string) string { return storage.IndexKey("src", col, id) }

func (s *kvStore) SaveCollection(ctx context.Context, c *Collection) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.collections.Put(ctx, collectionKey(c.ID), c)
}

func (s *kvStore) GetCollection(ctx context.Context, id string) (*Collection, error) {
	var c Collection
	if _, err := s.collections.Get(ctx, collectionKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *kvStore) ListCollections(ctx context.Context, org string) ([]*Collection, error) {
	keys, err := s.collections.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Collection
	for _, key := range keys {
		if !isCollectionKey(key) {
			continue
		}
		var c Collection
		if _, err := s.collections.Get(ctx, key, &c); err != nil {
			continue
		}
		if org != "" && c.OrganizationID != org {
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func isCollectionKey(key string) bool {
	return len(key) > 4 && key[:4] == "col|"
}

func (s *kvStore) SaveSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	return s.collections.Put(ctx, sourceKey(src.CollectionID, src.ID), src)
}

func (s *kvStore) SourcesForCollection(ctx context.Context, collectionID string) ([]*Source, error) {
	keys, err := s.collections.Keys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := storage.IndexKey("src", collectionID) + "|"
	var out []*Source
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		var src Source
		if _, err := s.collections.Get(ctx, key, &src); err != nil {
			continue
		}
		out = append(out, &src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *kvStore) CreateScraped(ctx context.Context, sa *ScrapedAsset) error {
	if sa.ID == "" {
		sa.ID = uuid.New().String()
	}
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	idxKey := storage.IndexKey(sa.CollectionID, sa.NormalizedURL)
	if err := s.scrapedIdx.CreateString(ctx, idxKey, sa.ID); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	if err := s.scraped.Create(ctx, sa.ID, sa); err != nil {
		return fmt.Errorf("store scraped asset: %w", err)
	}
	return nil
}

func (s *kvStore) FindScraped(ctx context.Context, collectionID, normalizedURL string) (*ScrapedAsset, error) {
	id, err := s.scrapedIdx.GetString(ctx, storage.IndexKey(collectionID, normalizedURL))
	if err != nil {
		return nil, err
	}
	var sa ScrapedAsset
	if _, err := s.scraped.Get(ctx, id, &sa); err != nil {
		return nil, err
	}
	return &sa, nil
}

func (s *kvStore) MutateScraped(ctx context.Context, id string, fn func(*ScrapedAsset) error) (*ScrapedAsset, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var sa ScrapedAsset
		rev, err := s.scraped.Get(ctx, id, &sa)
		if err != nil {
			return nil, err
		}
		if err := fn(&sa); err != nil {
			return nil, err
		}
		err = s.scraped.Update(ctx, id, &sa, rev)
		if err == nil {
			return &sa, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate scraped asset %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) ListScraped(ctx context.Context, collectionID string) ([]*ScrapedAsset, error) {
	keys, err := s.scraped.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ScrapedAsset
	for _, key := range keys {
		var sa ScrapedAsset
		if _, err := s.scraped.Get(ctx, key, &sa); err != nil {
			continue
		}
		if sa.CollectionID == collectionID {
			out = append(out, &sa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
