package procedure

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/docflow/run"
)

// DefaultBeatInterval is how often the trigger beat checks for due cron
// triggers.
const DefaultBeatInterval = 30 * time.Second

// errTriggerNotDue aborts a claim mutation when another beat got there
// first.
var errTriggerNotDue = errors.New("trigger not due")

// TriggerBeat fires cron triggers when they come due. Claiming happens
// inside the trigger mutation, so concurrent beats cannot double-fire.
type TriggerBeat struct {
	store    Store
	launcher *Launcher
	runs     *run.Service
	logger   *slog.Logger
	interval time.Duration
}

// NewTriggerBeat creates a TriggerBeat.
func NewTriggerBeat(store Store, launcher *Launcher, runs *run.Service, logger *slog.Logger) *TriggerBeat {
	return &TriggerBeat{
		store:    store,
		launcher: launcher,
		runs:     runs,
		logger:   logger,
		interval: DefaultBeatInterval,
	}
}

// FireDue launches a run for every active cron trigger whose next firing
// has passed. Returns the number of triggers fired.
func (b *TriggerBeat) FireDue(ctx context.Context, now time.Time) (int, error) {
	triggers, err := b.store.ListTriggers(ctx, "")
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, t := range triggers {
		if !cronDue(t, now) {
			continue
		}
		if err := b.fire(ctx, t, now); err != nil {
			if !errors.Is(err, errTriggerNotDue) {
				b.logger.Warn("Cron trigger fire failed", "trigger_id", t.ID, "error", err)
			}
			continue
		}
		fired++
	}
	return fired, nil
}

func cronDue(t *Trigger, now time.Time) bool {
	return t.TriggerType == TriggerCron && t.IsActive &&
		t.NextTriggerAt != nil && !t.NextTriggerAt.After(now)
}

// fire claims the trigger by advancing its next firing, then launches the
// target. The claim mutation re-checks due-ness so only one beat wins.
func (b *TriggerBeat) fire(ctx context.Context, t *Trigger, now time.Time) error {
	claimed, err := b.store.MutateTrigger(ctx, t.ID, func(t *Trigger) error {
		if !cronDue(t, now) {
			return errTriggerNotDue
		}
		t.LastTriggeredAt = &now
		t.TriggerCount++
		if sched, err := parseCron(t.CronExpression); err == nil {
			next := sched.Next(now)
			t.NextTriggerAt = &next
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case claimed.ProcedureID != "":
		proc, err := b.store.GetProcedure(ctx, claimed.ProcedureID)
		if err != nil {
			return err
		}
		r, err := b.launcher.LaunchProcedure(ctx, claimed.OrganizationID, proc.Slug, nil, run.OriginScheduled, "")
		if err != nil {
			return err
		}
		b.logger.Info("Cron trigger fired", "trigger_id", claimed.ID,
			"procedure", proc.Slug, "run_id", r.ID)
	case claimed.PipelineID != "":
		r, err := b.launchPipeline(ctx, claimed)
		if err != nil {
			return err
		}
		b.logger.Info("Cron trigger fired", "trigger_id", claimed.ID,
			"pipeline_id", claimed.PipelineID, "run_id", r.ID)
	default:
		b.logger.Warn("Cron trigger has no target", "trigger_id", claimed.ID)
	}
	return nil
}

func (b *TriggerBeat) launchPipeline(ctx context.Context, t *Trigger) (*run.Run, error) {
	r, err := b.runs.Create(ctx, t.OrganizationID, run.TypePipeline, run.OriginScheduled,
		map[string]any{"pipeline_id": t.PipelineID}, nil, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return b.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.EnqueuedAt = &now
		return nil
	})
}

// Run beats until ctx is cancelled.
func (b *TriggerBeat) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.FireDue(ctx, time.Now().UTC()); err != nil {
				b.logger.Error("Trigger beat failed", "error", err)
			}
		}
	}
}
