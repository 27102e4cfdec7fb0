package sam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// UsageTracker meters API calls against a per-tenant daily budget. Allow
// consumes one call and reports the remaining budget; ok is false when the
// budget is already exhausted (in which case no call is consumed).
type UsageTracker interface {
	Allow(ctx context.Context, org string, now time.Time) (remaining int, ok bool, err error)
}

func usageKey(org string, now time.Time) string {
	return storage.IndexKey(org, now.UTC().Format("2006-01-02"))
}

// KVUsageTracker counts calls in a KV bucket keyed (org, date). The counter
// advance is a compare-and-swap so concurrent workers cannot overspend.
type KVUsageTracker struct {
	kv     *storage.KV
	budget int
}

// NewKVUsageTracker opens the usage bucket.
func NewKVUsageTracker(ctx context.Context, js jetstream.JetStream, dailyBudget int) (*KVUsageTracker, error) {
	kv, err := storage.OpenKV(ctx, js, storage.BucketSAMUsage)
	if err != nil {
		return nil, err
	}
	return &KVUsageTracker{kv: kv, budget: dailyBudget}, nil
}

func (t *KVUsageTracker) Allow(ctx context.Context, org string, now time.Time) (int, bool, error) {
	key := usageKey(org, now)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var used int
		rev, err := t.kv.Get(ctx, key, &used)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			used = 0
			rev = 0
		case err != nil:
			return 0, false, err
		}
		if used >= t.budget {
			return 0, false, nil
		}
		if rev == 0 {
			err = t.kv.Create(ctx, key, used+1)
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
		} else {
			err = t.kv.Update(ctx, key, used+1, rev)
			if errors.Is(err, storage.ErrRevisionConflict) {
				continue
			}
		}
		if err != nil {
			return 0, false, err
		}
		return t.budget - used - 1, true, nil
	}
	return 0, false, fmt.Errorf("consume call budget for %s: %w", org, storage.ErrRevisionConflict)
}

// MemoryUsageTracker is an in-memory UsageTracker for tests.
type MemoryUsageTracker struct {
	mu     sync.Mutex
	budget int
	used   map[string]int
}

// NewMemoryUsageTracker creates a tracker with the given daily budget.
func NewMemoryUsageTracker(dailyBudget int) *MemoryUsageTracker {
	return &MemoryUsageTracker{budget: dailyBudget, used: make(map[string]int)}
}

func (t *MemoryUsageTracker) Allow(_ context.Context, org string, now time.Time) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := usageKey(org, now)
	if t.used[key] >= t.budget {
		return 0, false, nil
	}
	t.used[key]++
	return t.budget - t.used[key], true, nil
}
