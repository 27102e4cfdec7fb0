package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Store persists scheduled tasks keyed by name. Mutate applies fn under
// optimistic concurrency so concurrent dispatchers cannot both fire the
// same task.
type Store interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, name string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	Delete(ctx context.Context, name string) error
	Mutate(ctx context.Context, name string, fn func(*Task) error) (*Task, error)
}

const casAttempts = 10

type kvStore struct {
	tasks *storage.KV
}

// NewStore opens the scheduled-task bucket.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	tasks, err := storage.OpenKV(ctx, js, storage.BucketScheduledTasks)
	if err != nil {
		return nil, err
	}
	return &kvStore{tasks: tasks}, nil
}

func (s *kvStore) Save(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	reconcileNextRun(t, now)
	if err := s.tasks.Put(ctx, storage.IndexKey(t.Name), t); err != nil {
		return fmt.Errorf("store task %s: %w", t.Name, err)
	}
	return nil
}

func (s *kvStore) Get(ctx context.Context, name string) (*Task, error) {
	var t Task
	if _, err := s.tasks.Get(ctx, storage.IndexKey(name), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *kvStore) List(ctx context.Context) ([]*Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, key := range keys {
		var t Task
		if _, err := s.tasks.Get(ctx, key, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	sortTasks(out)
	return out, nil
}

func (s *kvStore) Delete(ctx context.Context, name string) error {
	return s.tasks.Delete(ctx, storage.IndexKey(name))
}

func (s *kvStore) Mutate(ctx context.Context, name string, fn func(*Task) error) (*Task, error) {
	key := storage.IndexKey(name)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var t Task
		rev, err := s.tasks.Get(ctx, key, &t)
		if err != nil {
			return nil, err
		}
		if err := fn(&t); err != nil {
			return nil, err
		}
		t.UpdatedAt = time.Now().UTC()
		err = s.tasks.Update(ctx, key, &t, rev)
		if err == nil {
			return &t, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate task %s: %w", name, storage.ErrRevisionConflict)
}

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
}

// reconcileNextRun keeps next_run_at consistent with the enabled flag: a
// disabled task carries no next fire time, an enabled one always does.
func reconcileNextRun(t *Task, now time.Time) {
	if !t.Enabled {
		t.NextRunAt = nil
		return
	}
	if t.NextRunAt == nil {
		if next, err := t.Next(now); err == nil {
			t.NextRunAt = &next
		}
	}
}
