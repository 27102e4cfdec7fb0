package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/docflow/run"
)

// Watchdog enforces each queue's timeout_seconds: submitted or running runs
// that outlive it are transitioned to timed_out and their queue slots
// released. It doubles as the executor for system_maintenance runs.
type Watchdog struct {
	runs     *run.Service
	registry *Registry
	index    PendingIndex
	logger   *slog.Logger
}

// NewWatchdog creates a Watchdog. index may be nil when no extraction slots
// need releasing (tests).
func NewWatchdog(runs *run.Service, registry *Registry, index PendingIndex, logger *slog.Logger) *Watchdog {
	return &Watchdog{runs: runs, registry: registry, index: index, logger: logger}
}

// SweepOverdue times out every in-flight run that exceeded its queue's
// timeout. Returns the number of runs timed out.
func (w *Watchdog) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, def := range w.registry.List() {
		if def.Params.TimeoutSeconds <= 0 {
			continue
		}
		timeout := time.Duration(def.Params.TimeoutSeconds) * time.Second
		inFlight, err := w.runs.List(ctx, "", run.Filter{
			Types:    def.RunTypes,
			Statuses: []run.Status{run.StatusSubmitted, run.StatusRunning},
		})
		if err != nil {
			return total, err
		}
		for _, r := range inFlight {
			if now.Sub(deadlineBase(r)) <= timeout {
				continue
			}
			if _, err := w.runs.TimeOut(ctx, r.ID, "exceeded queue timeout"); err != nil {
				w.logger.Warn("Failed to time out overdue run",
					"run_id", r.ID, "queue", def.Type, "error", err)
				continue
			}
			w.releaseSlot(ctx, r)
			w.logger.Info("Run timed out by watchdog",
				"run_id", r.ID, "queue", def.Type, "timeout", timeout)
			total++
		}
	}
	return total, nil
}

// deadlineBase is the instant the timeout clock starts: execution start for
// running runs, dispatch time for runs stuck in submitted.
func deadlineBase(r *run.Run) time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	if r.EnqueuedAt != nil {
		return *r.EnqueuedAt
	}
	return r.CreatedAt
}

func (w *Watchdog) releaseSlot(ctx context.Context, r *run.Run) {
	if w.index == nil || r.RunType != run.TypeExtraction || len(r.InputAssetIDs) == 0 {
		return
	}
	if err := w.index.Release(ctx, r.InputAssetIDs[0]); err != nil {
		w.logger.Warn("Failed to release extraction slot",
			"run_id", r.ID, "asset_id", r.InputAssetIDs[0], "error", err)
	}
}

// ExecuteMaintenance is the worker entry point for system_maintenance runs:
// one watchdog sweep recorded on the run.
func (w *Watchdog) ExecuteMaintenance(ctx context.Context, runID string) error {
	r, err := w.runs.Store().Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}
	if r.Status != run.StatusRunning {
		if _, err := w.runs.UpdateStatus(ctx, runID, run.StatusRunning); err != nil {
			return err
		}
	}
	timedOut, err := w.SweepOverdue(ctx, time.Now().UTC())
	if err != nil {
		_, failErr := w.runs.Fail(ctx, runID, err.Error())
		if failErr != nil {
			return failErr
		}
		return nil
	}
	_, err = w.runs.Complete(ctx, runID, map[string]any{"runs_timed_out": timedOut})
	return err
}

// Run sweeps on the interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOverdue(ctx, time.Now().UTC()); err != nil {
				w.logger.Error("Watchdog sweep failed", "error", err)
			}
		}
	}
}
