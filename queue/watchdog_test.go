package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/run"
)

func TestWatchdogTimesOutOverdueRuns(t *testing.T) {
	ctx := context.Background()
	runs := run.NewService(run.NewMemoryStore(), slog.Default())
	registry := NewRegistry(nil)
	index := NewMemoryIndex()
	w := NewWatchdog(runs, registry, index, slog.Default())

	stale, err := runs.Create(ctx, "org-1", run.TypeExtraction, run.OriginSystem, nil, []string{"asset-1"}, "")
	require.NoError(t, err)
	_, _, err = index.Claim(ctx, "asset-1", stale.ID)
	require.NoError(t, err)
	_, err = runs.UpdateStatus(ctx, stale.ID, run.StatusRunning)
	require.NoError(t, err)

	fresh, err := runs.Create(ctx, "org-1", run.TypeExtraction, run.OriginSystem, nil, []string{"asset-2"}, "")
	require.NoError(t, err)
	_, err = runs.UpdateStatus(ctx, fresh.ID, run.StatusRunning)
	require.NoError(t, err)

	// Extraction timeout is 900s; sweep from 30 minutes in the future.
	n, err := w.SweepOverdue(ctx, time.Now().UTC().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := runs.Get(ctx, "org-1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusTimedOut, got.Status)

	// The slot is free again: a new claim for asset-1 succeeds.
	_, claimed, err := index.Claim(ctx, "asset-1", "run-new")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestWatchdogLeavesFreshRunsAlone(t *testing.T) {
	ctx := context.Background()
	runs := run.NewService(run.NewMemoryStore(), slog.Default())
	w := NewWatchdog(runs, NewRegistry(nil), nil, slog.Default())

	r, err := runs.Create(ctx, "org-1", run.TypeScrape, run.OriginUser, nil, nil, "")
	require.NoError(t, err)
	_, err = runs.UpdateStatus(ctx, r.ID, run.StatusRunning)
	require.NoError(t, err)

	n, err := w.SweepOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := runs.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
}

func TestExecuteMaintenanceCompletesWithSweepCount(t *testing.T) {
	ctx := context.Background()
	runs := run.NewService(run.NewMemoryStore(), slog.Default())
	w := NewWatchdog(runs, NewRegistry(nil), nil, slog.Default())

	m, err := runs.Create(ctx, "system", run.TypeSystemMaintenance, run.OriginScheduled, nil, nil, "")
	require.NoError(t, err)

	require.NoError(t, w.ExecuteMaintenance(ctx, m.ID))

	got, err := runs.Get(ctx, "system", m.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
	assert.EqualValues(t, 0, got.ResultsSummary["runs_timed_out"])

	// Redelivery is a no-op on the terminal run.
	require.NoError(t, w.ExecuteMaintenance(ctx, m.ID))
}
