package procedure

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/run"
)

func beatFixture(t *testing.T) (*TriggerBeat, *MemoryStore, *run.Service) {
	t.Helper()
	store := NewMemoryStore()
	runs := run.NewService(run.NewMemoryStore(), slog.Default())
	cache := NewCache(store, slog.Default())
	launcher := NewLauncher(runs, cache)
	return NewTriggerBeat(store, launcher, runs, slog.Default()), store, runs
}

func seedCronTrigger(t *testing.T, store *MemoryStore, nextAt time.Time) (*Procedure, *Trigger) {
	t.Helper()
	ctx := context.Background()
	proc := &Procedure{
		OrganizationID: "org-1",
		Slug:           "nightly-cleanup",
		Version:        1,
		Steps:          []*Step{{Name: "noop", Function: "log_message"}},
	}
	require.NoError(t, store.SaveProcedure(ctx, proc))

	trig := &Trigger{
		OrganizationID: "org-1",
		ProcedureID:    proc.ID,
		TriggerType:    TriggerCron,
		CronExpression: "0 3 * * *",
		IsActive:       true,
		NextTriggerAt:  &nextAt,
	}
	require.NoError(t, store.SaveTrigger(ctx, trig))
	return proc, trig
}

func TestFireDueLaunchesScheduledRun(t *testing.T) {
	ctx := context.Background()
	beat, store, runs := beatFixture(t)
	_, trig := seedCronTrigger(t, store, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, beat.launcher.cache.Reload(ctx))

	now := time.Now().UTC()
	fired, err := beat.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	launched, err := runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypeProcedure}})
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.Equal(t, run.OriginScheduled, launched[0].Origin)

	// The firing advanced next_trigger_at past now; a second beat at the
	// same instant is a no-op.
	after, err := store.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	require.NotNil(t, after.NextTriggerAt)
	assert.True(t, after.NextTriggerAt.After(now))
	assert.Equal(t, 1, after.TriggerCount)

	fired, err = beat.FireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestFireDueSkipsInactiveAndFutureTriggers(t *testing.T) {
	ctx := context.Background()
	beat, store, _ := beatFixture(t)

	_, future := seedCronTrigger(t, store, time.Now().UTC().Add(time.Hour))
	_ = future

	proc := &Procedure{OrganizationID: "org-1", Slug: "paused", Version: 1,
		Steps: []*Step{{Name: "noop", Function: "log_message"}}}
	require.NoError(t, store.SaveProcedure(ctx, proc))
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveTrigger(ctx, &Trigger{
		OrganizationID: "org-1",
		ProcedureID:    proc.ID,
		TriggerType:    TriggerCron,
		CronExpression: "0 3 * * *",
		IsActive:       false,
		NextTriggerAt:  &past,
	}))

	fired, err := beat.FireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestFireDueLaunchesPipelineRun(t *testing.T) {
	ctx := context.Background()
	beat, store, runs := beatFixture(t)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveTrigger(ctx, &Trigger{
		OrganizationID: "org-1",
		PipelineID:     "pipe-1",
		TriggerType:    TriggerCron,
		CronExpression: "*/5 * * * *",
		IsActive:       true,
		NextTriggerAt:  &past,
	}))

	fired, err := beat.FireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	launched, err := runs.List(ctx, "org-1", run.Filter{Types: []run.Type{run.TypePipeline}})
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.Equal(t, "pipe-1", launched[0].Config["pipeline_id"])
	assert.NotNil(t, launched[0].EnqueuedAt)
}
