package procedure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Store persists procedure definitions and their triggers.
type Store interface {
	SaveProcedure(ctx context.Context, p *Procedure) error
	GetProcedure(ctx context.Context, id string) (*Procedure, error)
	ListProcedures(ctx context.Context, org string) ([]*Procedure, error)
	DeleteProcedure(ctx context.Context, id string) error

	SaveTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, org string) ([]*Trigger, error)
	TriggersForProcedure(ctx context.Context, procedureID string) ([]*Trigger, error)
	MutateTrigger(ctx context.Context, id string, fn func(*Trigger) error) (*Trigger, error)
}

const casAttempts = 10

type kvStore struct {
	procs    *storage.KV
	triggers *storage.KV
}

// NewStore opens the procedure and trigger buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	procs, err := storage.OpenKV(ctx, js, storage.BucketProcedures)
	if err != nil {
		return nil, err
	}
	triggers, err := storage.OpenKV(ctx, js, storage.BucketTriggers)
	if err != nil {
		return nil, err
	}
	return &kvStore{procs: procs, triggers: triggers}, nil
}

func (s *kvStore) SaveProcedure(ctx context.Context, p *Procedure) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.procs.Put(ctx, p.ID, p)
}

func (s *kvStore) GetProcedure(ctx context.Context, id string) (*Procedure, error) {
	var p Procedure
	if _, err := s.procs.Get(ctx, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *kvStore) ListProcedures(ctx context.Context, org string) ([]*Procedure, error) {
	keys, err := s.procs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Procedure
	for _, key := range keys {
		var p Procedure
		if _, err := s.procs.Get(ctx, key, &p); err != nil {
			continue
		}
		if org != "" && p.OrganizationID != "" && p.OrganizationID != org {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *kvStore) DeleteProcedure(ctx context.Context, id string) error {
	return s.procs.Delete(ctx, id)
}

func (s *kvStore) SaveTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.TriggerType == TriggerCron {
		if _, err := parseCron(t.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", t.CronExpression, err)
		}
	}
	return s.triggers.Put(ctx, t.ID, t)
}

func (s *kvStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	if _, err := s.triggers.Get(ctx, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *kvStore) ListTriggers(ctx context.Context, org string) ([]*Trigger, error) {
	keys, err := s.triggers.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Trigger
	for _, key := range keys {
		var t Trigger
		if _, err := s.triggers.Get(ctx, key, &t); err != nil {
			continue
		}
		if org != "" && t.OrganizationID != "" && t.OrganizationID != org {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *kvStore) TriggersForProcedure(ctx context.Context, procedureID string) ([]*Trigger, error) {
	all, err := s.ListTriggers(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*Trigger
	for _, t := range all {
		if t.ProcedureID == procedureID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *kvStore) MutateTrigger(ctx context.Context, id string, fn func(*Trigger) error) (*Trigger, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		var t Trigger
		rev, err := s.triggers.Get(ctx, id, &t)
		if err != nil {
			return nil, err
		}
		if err := fn(&t); err != nil {
			return nil, err
		}
		err = s.triggers.Update(ctx, id, &t, rev)
		if err == nil {
			return &t, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate trigger %s: %w", id, storage.ErrRevisionConflict)
}

// Cache is the read-only slug lookup loaded at startup and on explicit
// reload. Duplicate slugs within one organization resolve first-wins with
// a load-time warning.
type Cache struct {
	mu     sync.RWMutex
	bySlug map[string]*Procedure // org|slug -> procedure
	store  Store
	logger *slog.Logger
}

// NewCache creates a Cache over the store.
func NewCache(store Store, logger *slog.Logger) *Cache {
	return &Cache{bySlug: make(map[string]*Procedure), store: store, logger: logger}
}

// Reload replaces the cache contents from the store.
func (c *Cache) Reload(ctx context.Context) error {
	procs, err := c.store.ListProcedures(ctx, "")
	if err != nil {
		return err
	}
	next := make(map[string]*Procedure, len(procs))
	for _, p := range procs {
		key := p.OrganizationID + "|" + p.Slug
		if existing, ok := next[key]; ok {
			c.logger.Warn("Duplicate procedure slug, keeping first",
				"slug", p.Slug, "kept_id", existing.ID, "ignored_id", p.ID)
			continue
		}
		next[key] = p
	}
	c.mu.Lock()
	c.bySlug = next
	c.mu.Unlock()
	c.logger.Info("Procedure cache loaded", "count", len(next))
	return nil
}

// BySlug resolves a procedure by organization and slug. Org-scoped
// definitions shadow global ones.
func (c *Cache) BySlug(org, slug string) (*Procedure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.bySlug[org+"|"+slug]; ok {
		return p, true
	}
	p, ok := c.bySlug["|"+slug]
	return p, ok
}
