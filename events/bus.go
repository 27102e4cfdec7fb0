package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/docflow/procedure"
	"github.com/c360studio/docflow/run"
)

// DispatchResult reports what an emitted event started.
type DispatchResult struct {
	ProceduresTriggered []string `json:"procedures_triggered"`
	PipelinesTriggered  []string `json:"pipelines_triggered"`
}

// Bus matches emitted events against stored event triggers and launches
// the procedures and pipelines they point at. It satisfies run.EventEmitter.
type Bus struct {
	triggers procedure.Store
	launcher run.ProcedureLauncher
	runs     *run.Service
	logger   *slog.Logger
}

// NewBus creates an event Bus.
func NewBus(triggers procedure.Store, launcher run.ProcedureLauncher, runs *run.Service, logger *slog.Logger) *Bus {
	return &Bus{triggers: triggers, launcher: launcher, runs: runs, logger: logger}
}

// Emit dispatches the event to every matching trigger. It never fails the
// caller on a partial dispatch: a trigger that cannot be launched is logged
// and skipped.
func (b *Bus) Emit(ctx context.Context, name, org string, payload map[string]any, sourceRunID string) error {
	_, err := b.Dispatch(ctx, name, org, payload, sourceRunID)
	return err
}

// Dispatch is Emit with a report of what was started.
func (b *Bus) Dispatch(ctx context.Context, name, org string, payload map[string]any, sourceRunID string) (*DispatchResult, error) {
	triggers, err := b.triggers.ListTriggers(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}

	result := &DispatchResult{
		ProceduresTriggered: []string{},
		PipelinesTriggered:  []string{},
	}
	for _, t := range triggers {
		if !matches(t, name, payload) {
			continue
		}
		if err := b.fire(ctx, t, org, payload, sourceRunID, result); err != nil {
			b.logger.Warn("Event trigger dispatch failed",
				"trigger_id", t.ID, "event", name, "error", err)
		}
	}
	b.logger.Debug("Event dispatched",
		"event", name, "org", org,
		"procedures", len(result.ProceduresTriggered),
		"pipelines", len(result.PipelinesTriggered))
	return result, nil
}

func matches(t *procedure.Trigger, name string, payload map[string]any) bool {
	if t.TriggerType != procedure.TriggerEvent || !t.IsActive {
		return false
	}
	if t.EventName != name {
		return false
	}
	if len(t.EventFilter) == 0 {
		return true
	}
	return MatchFilter(t.EventFilter, payload)
}

func (b *Bus) fire(ctx context.Context, t *procedure.Trigger, org string, payload map[string]any, sourceRunID string, result *DispatchResult) error {
	switch {
	case t.ProcedureID != "":
		proc, err := b.triggers.GetProcedure(ctx, t.ProcedureID)
		if err != nil {
			return fmt.Errorf("resolving procedure %s: %w", t.ProcedureID, err)
		}
		r, err := b.launcher.LaunchProcedure(ctx, org, proc.Slug, map[string]any{"event": payload}, run.OriginEvent, sourceRunID)
		if err != nil {
			return err
		}
		result.ProceduresTriggered = append(result.ProceduresTriggered, r.ID)
	case t.PipelineID != "":
		r, err := b.launchPipeline(ctx, t, org, payload, sourceRunID)
		if err != nil {
			return err
		}
		result.PipelinesTriggered = append(result.PipelinesTriggered, r.ID)
	default:
		return fmt.Errorf("trigger %s has no procedure or pipeline target", t.ID)
	}

	now := time.Now().UTC()
	if _, err := b.triggers.MutateTrigger(ctx, t.ID, func(t *procedure.Trigger) error {
		t.LastTriggeredAt = &now
		t.TriggerCount++
		return nil
	}); err != nil {
		b.logger.Warn("Failed to update trigger counters", "trigger_id", t.ID, "error", err)
	}
	return nil
}

func (b *Bus) launchPipeline(ctx context.Context, t *procedure.Trigger, org string, payload map[string]any, sourceRunID string) (*run.Run, error) {
	cfg := map[string]any{
		"pipeline_id": t.PipelineID,
		"event":       payload,
	}
	if sourceRunID != "" {
		cfg["source_run_id"] = sourceRunID
	}
	r, err := b.runs.Create(ctx, org, run.TypePipeline, run.OriginEvent, cfg, nil, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return b.runs.Store().Mutate(ctx, r.ID, func(r *run.Run) error {
		r.EnqueuedAt = &now
		if sourceRunID != "" {
			if src, err := b.runs.Store().Get(ctx, sourceRunID); err == nil && src.TraceID != "" {
				r.TraceID = src.TraceID
			}
		}
		return nil
	})
}
