package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// PendingIndex enforces at most one in-flight extraction per asset. Claim
// is insert-once: the first caller wins the slot, later callers get the
// run id that holds it.
type PendingIndex interface {
	// Claim reserves the asset's slot for runID. When the slot is already
	// held, claimed is false and existingRunID identifies the holder.
	Claim(ctx context.Context, assetID, runID string) (existingRunID string, claimed bool, err error)
	// Replace overwrites the slot holder. Used when the recorded run
	// turns out to be terminal (a stale entry).
	Replace(ctx context.Context, assetID, runID string) error
	// Release frees the asset's slot.
	Release(ctx context.Context, assetID string) error
}

// kvIndex is the JetStream KV implementation of PendingIndex.
type kvIndex struct {
	kv *storage.KV
}

// NewPendingIndex opens the pending-extraction index bucket.
func NewPendingIndex(ctx context.Context, js jetstream.JetStream) (PendingIndex, error) {
	kv, err := storage.OpenKV(ctx, js, storage.BucketIdxExtraction)
	if err != nil {
		return nil, err
	}
	return &kvIndex{kv: kv}, nil
}

func (i *kvIndex) Claim(ctx context.Context, assetID, runID string) (string, bool, error) {
	key := storage.IndexKey(assetID)
	err := i.kv.CreateString(ctx, key, runID)
	if err == nil {
		return runID, true, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return "", false, err
	}
	existing, err := i.kv.GetString(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Holder released between Create and Get; claim again.
			return i.Claim(ctx, assetID, runID)
		}
		return "", false, err
	}
	return existing, false, nil
}

func (i *kvIndex) Replace(ctx context.Context, assetID, runID string) error {
	return i.kv.PutString(ctx, storage.IndexKey(assetID), runID)
}

func (i *kvIndex) Release(ctx context.Context, assetID string) error {
	return i.kv.Delete(ctx, storage.IndexKey(assetID))
}

// MemoryIndex is an in-memory PendingIndex for tests and embedded mode.
type MemoryIndex struct {
	mu    sync.Mutex
	slots map[string]string
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{slots: make(map[string]string)}
}

func (i *MemoryIndex) Claim(_ context.Context, assetID, runID string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.slots[assetID]; ok {
		return existing, false, nil
	}
	i.slots[assetID] = runID
	return runID, true, nil
}

func (i *MemoryIndex) Replace(_ context.Context, assetID, runID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.slots[assetID] = runID
	return nil
}

func (i *MemoryIndex) Release(_ context.Context, assetID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.slots, assetID)
	return nil
}
