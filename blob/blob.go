// Package blob provides the bucket+key object store used for raw originals
// and extracted markdown, backed by NATS JetStream ObjectStore. Writes are
// idempotent overwrites; objects are addressed by (bucket, key) only.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Store is the minimal object-store surface the platform depends on.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	GetReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
}

const contentTypeMeta = "content-type"

// jsStore is the JetStream ObjectStore implementation.
type jsStore struct {
	js jetstream.JetStream

	mu      sync.Mutex
	buckets map[string]jetstream.ObjectStore
}

// NewStore creates a Store over the given JetStream context. Buckets are
// created lazily on first use.
func NewStore(js jetstream.JetStream) Store {
	return &jsStore{js: js, buckets: make(map[string]jetstream.ObjectStore)}
}

func (s *jsStore) bucket(ctx context.Context, name string) (jetstream.ObjectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obs, ok := s.buckets[name]; ok {
		return obs, nil
	}
	obs, err := s.js.ObjectStore(ctx, name)
	if err != nil {
		obs, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      name,
			Description: fmt.Sprintf("Docflow %s objects", strings.ToLower(name)),
		})
		if err != nil {
			return nil, fmt.Errorf("create object bucket %s: %w", name, err)
		}
	}
	s.buckets[name] = obs
	return obs, nil
}

func (s *jsStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	meta := jetstream.ObjectMeta{Name: key}
	if contentType != "" {
		meta.Metadata = map[string]string{contentTypeMeta: contentType}
	}
	if _, err := obs.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *jsStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	data, err := obs.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *jsStore) GetReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	result, err := obs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return result, nil
}

func (s *jsStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return false, err
	}
	if _, err := obs.GetInfo(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *jsStore) Delete(ctx context.Context, bucket, key string) error {
	obs, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := obs.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}
