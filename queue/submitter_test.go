package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/run"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []Task
}

func (p *fakePublisher) Publish(_ context.Context, _ string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return err
	}
	p.messages = append(p.messages, task)
	return nil
}

func (p *fakePublisher) tasks() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Task(nil), p.messages...)
}

func enqueueRun(t *testing.T, runs *run.Service, org string, priority int, enqueued time.Time) *run.Run {
	t.Helper()
	r, err := runs.Create(context.Background(), org, run.TypeExtraction, run.OriginSystem, nil, nil, "")
	require.NoError(t, err)
	r, err = runs.Store().Mutate(context.Background(), r.ID, func(r *run.Run) error {
		r.Priority = priority
		r.EnqueuedAt = &enqueued
		return nil
	})
	require.NoError(t, err)
	return r
}

func TestSubmitDuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	pub := &fakePublisher{}

	base := time.Now().UTC()
	sysOld := enqueueRun(t, runs, "org-1", PrioritySystem, base)
	sysNew := enqueueRun(t, runs, "org-1", PrioritySystem, base.Add(time.Second))
	user := enqueueRun(t, runs, "org-1", PriorityUser, base.Add(2*time.Second))

	// Cap the queue at 2 so ordering is observable.
	registry := NewRegistry(map[string]config.QueueOverrides{
		TypeExtraction: {MaxConcurrent: 2},
	})
	sub := NewSubmitter(runs, registry, pub, nil, logger)

	n, err := sub.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks := pub.tasks()
	require.Len(t, tasks, 2)
	// User-priority run dispatches first despite being enqueued last;
	// the remaining slot goes to the older system run.
	assert.Equal(t, user.ID, tasks[0].RunID)
	assert.Equal(t, sysOld.ID, tasks[1].RunID)

	left, err := runs.Get(ctx, "org-1", sysNew.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, left.Status)
}

func TestSubmitDueRespectsInFlight(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	pub := &fakePublisher{}

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		enqueueRun(t, runs, "org-1", PrioritySystem, base.Add(time.Duration(i)*time.Second))
	}
	// Two runs already occupy slots.
	busy := enqueueRun(t, runs, "org-1", PrioritySystem, base)
	_, err := runs.UpdateStatus(ctx, busy.ID, run.StatusSubmitted)
	require.NoError(t, err)
	running := enqueueRun(t, runs, "org-1", PrioritySystem, base)
	_, err = runs.UpdateStatus(ctx, running.ID, run.StatusRunning)
	require.NoError(t, err)

	registry := NewRegistry(map[string]config.QueueOverrides{
		TypeExtraction: {MaxConcurrent: 3},
	})
	sub := NewSubmitter(runs, registry, pub, nil, logger)

	n, err := sub.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "3 slots - 2 in flight = 1 submission")
}

func TestSubmitDueDisabledQueue(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()
	runs := run.NewService(run.NewMemoryStore(), logger)
	pub := &fakePublisher{}

	enqueueRun(t, runs, "org-1", PrioritySystem, time.Now().UTC())

	disabled := false
	registry := NewRegistry(map[string]config.QueueOverrides{
		TypeExtraction: {Enabled: &disabled},
	})
	sub := NewSubmitter(runs, registry, pub, nil, logger)

	n, err := sub.SubmitDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.tasks())
}

func TestRegistryOverrides(t *testing.T) {
	registry := NewRegistry(map[string]config.QueueOverrides{
		TypeExtraction: {MaxConcurrent: 16, SubmissionInterval: 5 * time.Second},
		"unknown":      {MaxConcurrent: 99},
	})

	def, ok := registry.Get(TypeExtraction)
	require.True(t, ok)
	assert.Equal(t, 16, def.Params.MaxConcurrent)
	assert.Equal(t, 5*time.Second, def.Params.SubmissionInterval)
	// Identity fields are not overridable.
	assert.Equal(t, "docflow.work.extraction", def.Subject)

	byType, ok := registry.ForRunType(run.TypeExtractionEnhancement)
	require.True(t, ok)
	assert.Equal(t, TypeMaintenance, byType.Type)
}
