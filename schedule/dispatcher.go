package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/docflow/run"
)

// DefaultBeatInterval is how often the dispatcher scans for due tasks.
const DefaultBeatInterval = 30 * time.Second

// Dispatcher turns due scheduled tasks into pending runs. Several
// dispatcher replicas can run concurrently: the due-time advance is a
// compare-and-swap, so exactly one replica fires each occurrence.
type Dispatcher struct {
	store     Store
	runs      *run.Service
	systemOrg string
	interval  time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. Global tasks are attributed to
// systemOrg when fired on schedule.
func NewDispatcher(store Store, runs *run.Service, systemOrg string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		runs:      runs,
		systemOrg: systemOrg,
		interval:  DefaultBeatInterval,
		logger:    logger,
	}
}

// DispatchDue fires every enabled task whose next_run_at is at or before
// now. Returns the runs created this beat.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) ([]*run.Run, error) {
	tasks, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled tasks: %w", err)
	}
	var fired []*run.Run
	for _, t := range tasks {
		if !due(t, now) {
			continue
		}
		r, err := d.fire(ctx, t, now)
		if err != nil {
			d.logger.Warn("Scheduled task dispatch failed", "task", t.Name, "error", err)
			continue
		}
		if r != nil {
			fired = append(fired, r)
		}
	}
	return fired, nil
}

func due(t *Task, now time.Time) bool {
	return t.Enabled && t.NextRunAt != nil && !t.NextRunAt.After(now)
}

// fire claims the occurrence by advancing next_run_at, then materialises
// the run. A nil run with nil error means another replica claimed it first.
func (d *Dispatcher) fire(ctx context.Context, t *Task, now time.Time) (*run.Run, error) {
	claimed := false
	latest, err := d.store.Mutate(ctx, t.Name, func(t *Task) error {
		if !due(t, now) {
			claimed = false
			return nil
		}
		next, err := t.Next(now)
		if err != nil {
			return err
		}
		t.NextRunAt = &next
		claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}

	r, err := d.materialize(ctx, latest, d.orgFor(latest), run.OriginScheduled, "")
	if err != nil {
		return nil, err
	}
	d.logger.Info("Scheduled task fired",
		"task", latest.Name, "task_type", latest.TaskType, "run_id", r.ID,
		"next_run_at", latest.NextRunAt)
	return r, nil
}

// orgFor resolves the organization a scheduled firing runs under.
func (d *Dispatcher) orgFor(t *Task) string {
	if t.ScopeType == ScopeGlobal {
		return d.systemOrg
	}
	return t.OrganizationID
}

// TriggerNow fires the task immediately on behalf of a user, without
// touching its schedule. Global tasks run under the invoking user's
// organization.
func (d *Dispatcher) TriggerNow(ctx context.Context, name, org, userID string) (*run.Run, error) {
	t, err := d.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if t.ScopeType == ScopeOrganization && org != "" && t.OrganizationID != org {
		return nil, fmt.Errorf("task %q belongs to another organization", name)
	}
	target := t.OrganizationID
	if t.ScopeType == ScopeGlobal {
		target = org
	}
	if target == "" {
		return nil, fmt.Errorf("organization id is required to trigger task %q", name)
	}
	r, err := d.materialize(ctx, t, target, run.OriginUser, userID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Scheduled task triggered manually", "task", name, "run_id", r.ID, "user", userID)
	return r, nil
}

func (d *Dispatcher) materialize(ctx context.Context, t *Task, org string, origin run.Origin, userID string) (*run.Run, error) {
	cfg := make(map[string]any, len(t.Config)+1)
	for k, v := range t.Config {
		cfg[k] = v
	}
	cfg["scheduled_task"] = t.Name

	r, err := d.runs.Create(ctx, org, run.Type(t.TaskType), origin, cfg, nil, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	r, err = d.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.EnqueuedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := d.store.Mutate(ctx, t.Name, func(t *Task) error {
		t.LastRunID = r.ID
		t.LastRunAt = &now
		t.LastRunStatus = string(run.StatusPending)
		return nil
	}); err != nil {
		d.logger.Warn("Failed to record last run on task", "task", t.Name, "error", err)
	}
	return r, nil
}

// RecordOutcome stores the terminal status of a task's run back on the
// task, if that run is still the task's latest.
func (d *Dispatcher) RecordOutcome(ctx context.Context, name, runID string, status run.Status) error {
	_, err := d.store.Mutate(ctx, name, func(t *Task) error {
		if t.LastRunID != runID {
			return nil
		}
		t.LastRunStatus = string(status)
		return nil
	})
	return err
}

// SetEnabled flips the task on or off, reconciling next_run_at.
func (d *Dispatcher) SetEnabled(ctx context.Context, name string, enabled bool) (*Task, error) {
	return d.store.Mutate(ctx, name, func(t *Task) error {
		t.Enabled = enabled
		if !enabled {
			t.NextRunAt = nil
			return nil
		}
		next, err := t.Next(time.Now().UTC())
		if err != nil {
			return err
		}
		t.NextRunAt = &next
		return nil
	})
}

// Run beats until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.logger.Info("Scheduled-task dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := d.DispatchDue(ctx, now.UTC()); err != nil {
				d.logger.Error("Dispatch beat failed", "error", err)
			}
		}
	}
}
