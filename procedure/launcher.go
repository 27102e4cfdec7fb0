package procedure

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/docflow/run"
)

// Launcher creates procedure runs for callers outside the executor: group
// follow-on triggers, the event bus, and the HTTP API.
type Launcher struct {
	runs  *run.Service
	cache *Cache
}

// NewLauncher creates a Launcher.
func NewLauncher(runs *run.Service, cache *Cache) *Launcher {
	return &Launcher{runs: runs, cache: cache}
}

// LaunchProcedure materialises a pending procedure run for the slug. The
// new run inherits the source run's trace when one is given.
func (l *Launcher) LaunchProcedure(ctx context.Context, org, slug string, params map[string]any, origin run.Origin, sourceRunID string) (*run.Run, error) {
	if _, ok := l.cache.BySlug(org, slug); !ok {
		return nil, fmt.Errorf("procedure %q not found", slug)
	}
	cfg := map[string]any{
		"procedure_slug": slug,
		"params":         params,
	}
	if sourceRunID != "" {
		cfg["source_run_id"] = sourceRunID
	}
	r, err := l.runs.Create(ctx, org, run.TypeProcedure, origin, cfg, nil, "")
	if err != nil {
		return nil, err
	}
	traceID := ""
	if sourceRunID != "" {
		if src, err := l.runs.Store().Get(ctx, sourceRunID); err == nil {
			traceID = src.TraceID
		}
	}
	now := time.Now().UTC()
	return l.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.EnqueuedAt = &now
		if traceID != "" {
			r.TraceID = traceID
		}
		return nil
	})
}
