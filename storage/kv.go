// Package storage provides entity storage for docflow using NATS KV.
//
// Every entity type lives in its own KV bucket holding JSON values keyed by
// uuid. Uniqueness constraints (object paths, normalized URLs, SharePoint
// item ids, pending-extraction slots) are enforced through insert-once index
// buckets, and compound state transitions use revision-checked updates.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity type.
const (
	BucketRuns           = "DOCFLOW_RUNS"
	BucketRunLogs        = "DOCFLOW_RUN_LOGS"
	BucketRunGroups      = "DOCFLOW_RUN_GROUPS"
	BucketAssets         = "DOCFLOW_ASSETS"
	BucketAssetVersions  = "DOCFLOW_ASSET_VERSIONS"
	BucketExtractions    = "DOCFLOW_EXTRACTIONS"
	BucketAssetMetadata  = "DOCFLOW_ASSET_METADATA"
	BucketProcedures     = "DOCFLOW_PROCEDURES"
	BucketTriggers       = "DOCFLOW_TRIGGERS"
	BucketScheduledTasks = "DOCFLOW_SCHEDULED_TASKS"
	BucketCollections    = "DOCFLOW_SCRAPE_COLLECTIONS"
	BucketScrapedAssets  = "DOCFLOW_SCRAPED_ASSETS"
	BucketSyncConfigs    = "DOCFLOW_SP_SYNC_CONFIGS"
	BucketSyncedDocs     = "DOCFLOW_SP_SYNCED_DOCS"
	BucketSolicitations  = "DOCFLOW_SOLICITATIONS"
	BucketNotices        = "DOCFLOW_NOTICES"
	BucketSAMUsage       = "DOCFLOW_SAM_USAGE"
)

// Index bucket names. Index buckets map a composite natural key to an entity
// id and rely on insert-once semantics to enforce uniqueness.
const (
	BucketIdxObject     = "DOCFLOW_IDX_OBJECT"      // bucket|object_key -> asset id
	BucketIdxScraped    = "DOCFLOW_IDX_SCRAPED"     // collection_id|normalized_url -> scraped asset id
	BucketIdxSPDoc      = "DOCFLOW_IDX_SPDOC"       // sync_config_id|item_id -> synced doc id
	BucketIdxExtraction = "DOCFLOW_IDX_EXTRACTION"  // asset id -> in-flight extraction run id
)

// IndexKey builds a composite index key from its parts. KV keys cannot
// contain the separator characters NATS reserves, so parts are sanitised.
func IndexKey(parts ...string) string {
	cleaned := make([]string, len(parts))
	for i, p := range parts {
		r := strings.NewReplacer("/", "_", ".", "_", " ", "_", "*", "_", ">", "_")
		cleaned[i] = r.Replace(p)
	}
	return strings.Join(cleaned, "|")
}

// KV wraps a JetStream KeyValue bucket with JSON encoding and typed errors.
type KV struct {
	kv jetstream.KeyValue
}

// OpenKV opens the named bucket, creating it if it does not exist.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string) (*KV, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return &KV{kv: kv}, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Docflow %s storage", strings.ToLower(bucket)),
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return &KV{kv: kv}, nil
}

// Get unmarshals the value at key into v and returns its revision.
func (k *KV) Get(ctx context.Context, key string, v any) (uint64, error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return entry.Revision(), nil
}

// Put stores v at key unconditionally.
func (k *KV) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Create stores v at key only if the key does not already exist.
func (k *KV) Create(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := k.kv.Create(ctx, key, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

// Update stores v at key only if the stored revision still equals rev.
func (k *KV) Update(ctx context.Context, key string, v any, rev uint64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := k.kv.Update(ctx, key, data, rev); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRevisionConflict
		}
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all keys in the bucket. An empty bucket returns nil.
func (k *KV) Keys(ctx context.Context) ([]string, error) {
	keys, err := k.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// GetString returns the raw string value at key. Used by index buckets
// where the value is an entity id rather than a JSON document.
func (k *KV) GetString(ctx context.Context, key string) (string, error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

// CreateString stores a raw string at key with insert-once semantics.
func (k *KV) CreateString(ctx context.Context, key, value string) error {
	if _, err := k.kv.Create(ctx, key, []byte(value)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

// PutString stores a raw string at key unconditionally.
func (k *KV) PutString(ctx context.Context, key, value string) error {
	if _, err := k.kv.Put(ctx, key, []byte(value)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
