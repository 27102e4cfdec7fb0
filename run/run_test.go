package run

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore(), slog.Default())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to running direct", StatusPending, StatusRunning, true},
		{"pending to submitted", StatusPending, StatusSubmitted, true},
		{"pending to cancelled pre-start", StatusPending, StatusCancelled, true},
		{"submitted to running", StatusSubmitted, StatusRunning, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cancelled", StatusRunning, StatusCancelled, true},
		{"running to timed_out", StatusRunning, StatusTimedOut, true},
		{"pending to completed rejected", StatusPending, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusPending, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
		{"submitted to completed rejected", StatusSubmitted, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestServiceLifecycleTimestamps(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, []string{"asset-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.StartedAt)

	r, err = svc.UpdateStatus(ctx, r.ID, StatusRunning)
	require.NoError(t, err)
	require.NotNil(t, r.StartedAt)
	started := *r.StartedAt

	r, err = svc.Complete(ctx, r.ID, map[string]any{"markdown_length": 42})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, started, *r.StartedAt)
	assert.Equal(t, float64(42), r.ResultsSummary["markdown_length"])
}

func TestServiceInvalidTransition(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeProcedure, OriginUser, nil, nil, "user-1")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, r.ID, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Status must be unchanged after a rejected transition.
	got, err := svc.Get(ctx, "org-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestServiceFailRequiresMessage(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, nil, "")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, r.ID, StatusRunning)
	require.NoError(t, err)

	r, err = svc.Fail(ctx, r.ID, "extractor unavailable")
	require.NoError(t, err)
	assert.Equal(t, "extractor unavailable", r.ErrorMessage)
}

func TestServiceTenantIsolation(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeScrape, OriginUser, nil, nil, "")
	require.NoError(t, err)

	_, err = svc.Get(ctx, "org-2", r.ID)
	require.ErrorIs(t, err, ErrTenantViolation)

	runs, err := svc.List(ctx, "org-2", Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestProgressNeverGoesBackward(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeScrape, OriginSystem, nil, nil, "")
	require.NoError(t, err)

	r, err = svc.UpdateProgress(ctx, r.ID, 8, 10, "pages")
	require.NoError(t, err)
	assert.Equal(t, 80, r.Progress.Percent)

	// A later update with a larger total must not reduce the percentage.
	r, err = svc.UpdateProgress(ctx, r.ID, 9, 20, "pages")
	require.NoError(t, err)
	assert.Equal(t, 80, r.Progress.Percent)
	assert.Equal(t, 9, r.Progress.Current)

	r, err = svc.UpdateProgress(ctx, r.ID, 25, 20, "pages")
	require.NoError(t, err)
	assert.Equal(t, 100, r.Progress.Percent)
}

func TestProgressZeroTotal(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeScrape, OriginSystem, nil, nil, "")
	require.NoError(t, err)

	r, err = svc.UpdateProgress(ctx, r.ID, 5, 0, "pages")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Progress.Percent)
	assert.Equal(t, 5, r.Progress.Current)
}

func TestEnsureTraceRoot(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeProcedure, OriginUser, nil, nil, "")
	require.NoError(t, err)

	trace, err := svc.EnsureTrace(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, trace)

	// Idempotent: a second call keeps the same root.
	trace2, err := svc.EnsureTrace(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, trace, trace2)
}

func TestCancelPendingRunsForAsset(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	pending, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, []string{"asset-1"}, "")
	require.NoError(t, err)
	other, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, []string{"asset-2"}, "")
	require.NoError(t, err)
	running, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, []string{"asset-1"}, "")
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, running.ID, StatusRunning)
	require.NoError(t, err)

	n, err := svc.CancelPendingRunsForAsset(ctx, "org-1", "asset-1", TypeExtraction)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := svc.Get(ctx, "org-1", pending.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	got, _ = svc.Get(ctx, "org-1", other.ID)
	assert.Equal(t, StatusPending, got.Status)
	got, _ = svc.Get(ctx, "org-1", running.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestLogOrderPreserved(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	r, err := svc.Create(ctx, "org-1", TypeProcedure, OriginUser, nil, nil, "")
	require.NoError(t, err)

	for i, msg := range []string{"first", "second", "third"} {
		require.NoError(t, svc.AppendLog(ctx, r.ID, LevelInfo, EventProgress, msg, map[string]any{"i": i}))
	}

	events, err := svc.Logs(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.Equal(t, want, events[i].Message)
		assert.Equal(t, i, events[i].Seq)
	}
}

func TestListFilterAndPagination(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, "org-1", TypeExtraction, OriginSystem, nil, nil, "")
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "org-1", TypeScrape, OriginUser, nil, nil, "")
	require.NoError(t, err)

	runs, err := svc.List(ctx, "org-1", Filter{Types: []Type{TypeExtraction}})
	require.NoError(t, err)
	assert.Len(t, runs, 5)

	page, err := svc.List(ctx, "org-1", Filter{Types: []Type{TypeExtraction}, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
