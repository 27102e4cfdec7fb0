package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Filter narrows a run listing. Zero values match everything.
type Filter struct {
	Types    []Type
	Statuses []Status
	Origins  []Origin
	GroupID  string
	AssetID  string
	Limit    int
	Offset   int
}

func (f Filter) matches(r *Run) bool {
	if len(f.Types) > 0 && !containsValue(f.Types, r.RunType) {
		return false
	}
	if len(f.Statuses) > 0 && !containsValue(f.Statuses, r.Status) {
		return false
	}
	if len(f.Origins) > 0 && !containsValue(f.Origins, r.Origin) {
		return false
	}
	if f.GroupID != "" && r.GroupID != f.GroupID {
		return false
	}
	if f.AssetID != "" && !containsValue(r.InputAssetIDs, f.AssetID) {
		return false
	}
	return true
}

func containsValue[T comparable](vals []T, v T) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Store persists runs, their ordered log events, and run groups.
// Mutate and MutateGroup apply fn under optimistic concurrency; fn may be
// retried against a fresh copy when a concurrent writer wins the race.
type Store interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	Mutate(ctx context.Context, id string, fn func(*Run) error) (*Run, error)
	List(ctx context.Context, org string, f Filter) ([]*Run, error)

	AppendLog(ctx context.Context, ev *LogEvent) error
	Logs(ctx context.Context, runID string) ([]*LogEvent, error)

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	MutateGroup(ctx context.Context, id string, fn func(*Group) error) (*Group, error)
}

// casAttempts bounds optimistic-concurrency retries before giving up.
const casAttempts = 10

// kvStore is the JetStream KV implementation of Store.
type kvStore struct {
	runs   *storage.KV
	logs   *storage.KV
	groups *storage.KV
}

// NewStore opens the run, run-log, and run-group buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	runs, err := storage.OpenKV(ctx, js, storage.BucketRuns)
	if err != nil {
		return nil, err
	}
	logs, err := storage.OpenKV(ctx, js, storage.BucketRunLogs)
	if err != nil {
		return nil, err
	}
	groups, err := storage.OpenKV(ctx, js, storage.BucketRunGroups)
	if err != nil {
		return nil, err
	}
	return &kvStore{runs: runs, logs: logs, groups: groups}, nil
}

func (s *kvStore) Create(ctx context.Context, r *Run) error {
	if err := s.runs.Create(ctx, r.ID, r); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

func (s *kvStore) Get(ctx context.Context, id string) (*Run, error) {
	var r Run
	if _, err := s.runs.Get(ctx, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *kvStore) Mutate(ctx context.Context, id string, fn func(*Run) error) (*Run, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var r Run
		rev, err := s.runs.Get(ctx, id, &r)
		if err != nil {
			return nil, err
		}
		if err := fn(&r); err != nil {
			return nil, err
		}
		err = s.runs.Update(ctx, id, &r, rev)
		if err == nil {
			return &r, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate run %s: %w", id, storage.ErrRevisionConflict)
}

func (s *kvStore) List(ctx context.Context, org string, f Filter) ([]*Run, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Run
	for _, key := range keys {
		var r Run
		if _, err := s.runs.Get(ctx, key, &r); err != nil {
			continue
		}
		if org != "" && r.OrganizationID != org {
			continue
		}
		if f.matches(&r) {
			out = append(out, &r)
		}
	}
	sortRuns(out)
	return paginate(out, f.Offset, f.Limit), nil
}

func sortRuns(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
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

// Log events for one run are stored as a single appended array so per-run
// ordering survives KV key listing in any order.
func (s *kvStore) AppendLog(ctx context.Context, ev *LogEvent) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var events []*LogEvent
		rev, err := s.logs.Get(ctx, ev.RunID, &events)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		ev.Seq = len(events)
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = time.Now().UTC()
		}
		events = append(events, ev)
		if rev == 0 {
			err = s.logs.Create(ctx, ev.RunID, events)
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return err
		}
		err = s.logs.Update(ctx, ev.RunID, events, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return err
		}
	}
	return fmt.Errorf("append log for run %s: %w", ev.RunID, storage.ErrRevisionConflict)
}

func (s *kvStore) Logs(ctx context.Context, runID string) ([]*LogEvent, error) {
	var events []*LogEvent
	if _, err := s.logs.Get(ctx, runID, &events); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return events, nil
}

func (s *kvStore) CreateGroup(ctx context.Context, g *Group) error {
	if err := s.groups.Create(ctx, g.ID, g); err != nil {
		return fmt.Errorf("store group: %w", err)
	}
	return nil
}

func (s *kvStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	if _, err := s.groups.Get(ctx, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *kvStore) MutateGroup(ctx context.Context, id string, fn func(*Group) error) (*Group, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var g Group
		rev, err := s.groups.Get(ctx, id, &g)
		if err != nil {
			return nil, err
		}
		if err := fn(&g); err != nil {
			return nil, err
		}
		err = s.groups.Update(ctx, id, &g, rev)
		if err == nil {
			return &g, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate group %s: %w", id, storage.ErrRevisionConflict)
}
