package sharepoint

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

// Store persists sync configs and synced-document records. CreateDoc
// enforces (sync_config_id, sharepoint_item_id) uniqueness via the index
// bucket.
type Store interface {
	SaveConfig(ctx context.Context, c *SyncConfig) error
	GetConfig(ctx context.Context, id string) (*SyncConfig, error)
	ListConfigs(ctx context.Context, org string) ([]*SyncConfig, error)
	MutateConfig(ctx context.Context, id string, fn func(*SyncConfig) error) (*SyncConfig, error)

	CreateDoc(ctx context.Context, d *SyncedDocument) error
	FindDocByItem(ctx context.Context, syncConfigID, itemID string) (*SyncedDocument, error)
	MutateDoc(ctx context.Context, id string, fn func(*SyncedDocument) error) (*SyncedDocument, error)
	ListDocs(ctx context.Context, syncConfigID string) ([]*SyncedDocument, error)
}

const casAttempts = 10

type kvStore struct {
	configs *storage.KV
	docs    *storage.KV
	docIdx  *storage.KV
}

// NewStore opens the SharePoint buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	configs, err := storage.OpenKV(ctx, js, storage.BucketSyncConfigs)
	if err != nil {
		return nil, err
	}
	docs, err := storage.OpenKV(ctx, js, storage.BucketSyncedDocs)
	if err != nil {
		return nil, err
	}
	docIdx, err := storage.OpenKV(ctx, js, storage.BucketIdxSPDoc)
	if err != nil {
		return nil, err
	}
	return &kvStore{configs: configs, docs: docs, docIdx: docIdx}, nil
}

func (s *kvStore) SaveConfig(ctx context.Context, c *SyncConfig) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.configs.Put(ctx, c.ID, c)
}

func (s *kvStore) GetConfig(ctx context.Context, id string) (*SyncConfig, error) {
	var c SyncConfig
	if _, err := s.configs.Get(ctx, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *kvStore) ListConfigs(ctx context.Context, org string) ([]*SyncConfig, error) {
	keys, err := s.configs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*SyncConfig
	for _, key := range keys {
		var c SyncConfig
		if _, err := s.configs.Get(ctx, key, &c); err != nil {
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

func (s *kvStore) MutateConfig(ctx context.Context, id string, fn func(*SyncConfig) error) (*SyncConfig, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var c SyncConfig
		rev, err := s.configs.Get(ctx, id, &c)
		if err != nil {
			return nil, err
		}
		if err := fn(&c); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Now().UTC()
		err = s.configs.Update(ctx, id, &c, rev)
		if err == nil {
			return &c, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate sync config %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) CreateDoc(ctx context.Context, d *SyncedDocument) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	idxKey := storage.IndexKey(d.SyncConfigID, d.SharePointItemID)
	if err := s.docIdx.CreateString(ctx, idxKey, d.ID); err != nil {
		return err
	}
	if err := s.docs.Create(ctx, d.ID, d); err != nil {
		return fmt.Errorf("store synced document: %w", err)
	}
	return nil
}

func (s *kvStore) FindDocByItem(ctx context.Context, syncConfigID, itemID string) (*SyncedDocument, error) {
	id, err := s.docIdx.GetString(ctx, storage.IndexKey(syncConfigID, itemID))
	if err != nil {
		return nil, err
	}
	var d SyncedDocument
	if _, err := s.docs.Get(ctx, id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *kvStore) MutateDoc(ctx context.Context, id string, fn func(*SyncedDocument) error) (*SyncedDocument, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var d SyncedDocument
		rev, err := s.docs.Get(ctx, id, &d)
		if err != nil {
			return nil, err
		}
		if err := fn(&d); err != nil {
			return nil, err
		}
		err = s.docs.Update(ctx, id, &d, rev)
		if err == nil {
			return &d, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate synced document %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) ListDocs(ctx context.Context, syncConfigID string) ([]*SyncedDocument, error) {
	keys, err := s.docs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*SyncedDocument
	for _, key := range keys {
		var d SyncedDocument
		if _, err := s.docs.Get(ctx, key, &d); err != nil {
			continue
		}
		if d.SyncConfigID == syncConfigID {
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
