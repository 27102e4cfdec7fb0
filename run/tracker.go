package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventEmitter publishes domain events. Implemented by events.Bus.
type EventEmitter interface {
	Emit(ctx context.Context, name, org string, payload map[string]any, sourceRunID string) error
}

// ProcedureLauncher creates and dispatches a procedure run. Implemented by
// the procedure executor's launch surface.
type ProcedureLauncher interface {
	LaunchProcedure(ctx context.Context, org, slug string, params map[string]any, origin Origin, sourceRunID string) (*Run, error)
}

// Tracker coordinates run groups: fan-out registration, completion
// detection, and post-group triggers.
type Tracker struct {
	store    Store
	emitter  EventEmitter
	launcher ProcedureLauncher
	logger   *slog.Logger
}

// NewTracker creates a group Tracker. emitter and launcher may be nil in
// contexts that never fire post-group triggers (tests, maintenance tools).
func NewTracker(store Store, emitter EventEmitter, launcher ProcedureLauncher, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, emitter: emitter, launcher: launcher, logger: logger}
}

// CreateGroup creates a new group in status running with the expected
// child count. expectedChildren may be zero when unknown at creation time;
// use SetExpectedChildren once the fan-out size is final.
func (t *Tracker) CreateGroup(ctx context.Context, org, groupType, parentRunID string, cfg GroupConfig, expectedChildren int) (*Group, error) {
	now := time.Now().UTC()
	g := &Group{
		ID:             uuid.New().String(),
		OrganizationID: org,
		GroupType:      groupType,
		ParentRunID:    parentRunID,
		Status:         GroupRunning,
		TotalChildren:  expectedChildren,
		Config:         cfg,
		StartedAt:      &now,
	}
	if err := t.store.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	if parentRunID != "" {
		if _, err := t.store.Mutate(ctx, parentRunID, func(r *Run) error {
			r.GroupID = g.ID
			r.IsGroupParent = true
			return nil
		}); err != nil {
			t.logger.Warn("Failed to link parent run to group", "group_id", g.ID, "parent_run_id", parentRunID, "error", err)
		}
	}
	return g, nil
}

// GetGroup returns the group by id.
func (t *Tracker) GetGroup(ctx context.Context, id string) (*Group, error) {
	return t.store.GetGroup(ctx, id)
}

// AddChild links a child run into the group.
func (t *Tracker) AddChild(ctx context.Context, groupID string, childRunID string) error {
	_, err := t.store.Mutate(ctx, childRunID, func(r *Run) error {
		r.GroupID = groupID
		return nil
	})
	return err
}

// SetExpectedChildren fixes the fan-out size once the parent knows it.
func (t *Tracker) SetExpectedChildren(ctx context.Context, groupID string, n int) error {
	_, err := t.store.MutateGroup(ctx, groupID, func(g *Group) error {
		g.TotalChildren = n
		return nil
	})
	return err
}

// ShouldSpawnChildren reports whether the parent may enqueue more children.
// False once the group has failed or been cancelled, so a dead parent does
// not leave orphan work behind.
func (t *Tracker) ShouldSpawnChildren(ctx context.Context, groupID string) (bool, error) {
	g, err := t.store.GetGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	return g.Status != GroupFailed && g.Status != GroupCancelled, nil
}

// ChildCompleted records a successful child outcome. Returns the group when
// this outcome made it terminal, nil otherwise.
func (t *Tracker) ChildCompleted(ctx context.Context, childRun *Run) (*Group, error) {
	return t.recordOutcome(ctx, childRun, true)
}

// ChildFailed records a failed child outcome. Returns the group when this
// outcome made it terminal, nil otherwise.
func (t *Tracker) ChildFailed(ctx context.Context, childRun *Run) (*Group, error) {
	return t.recordOutcome(ctx, childRun, false)
}

func (t *Tracker) recordOutcome(ctx context.Context, childRun *Run, completed bool) (*Group, error) {
	if childRun.GroupID == "" {
		return nil, nil
	}
	var becameTerminal bool
	g, err := t.store.MutateGroup(ctx, childRun.GroupID, func(g *Group) error {
		becameTerminal = false
		if completed {
			g.CompletedChildren++
		} else {
			g.FailedChildren++
		}
		if g.CompletedChildren+g.FailedChildren > g.TotalChildren && g.TotalChildren > 0 {
			return fmt.Errorf("group %s: child outcomes exceed total_children %d", g.ID, g.TotalChildren)
		}
		if !g.Status.IsTerminal() && g.TotalChildren > 0 && g.CompletedChildren+g.FailedChildren == g.TotalChildren {
			finalizeCounts(g)
			becameTerminal = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !becameTerminal {
		return nil, nil
	}
	t.fireCompletion(ctx, g)
	return g, nil
}

// FinalizeGroup re-runs the completion check. Parents call it after
// registering all children, which resolves the race where children finish
// before registration completes. A group with zero children completes
// immediately with a zero-children summary.
func (t *Tracker) FinalizeGroup(ctx context.Context, groupID string) (*Group, error) {
	var becameTerminal bool
	g, err := t.store.MutateGroup(ctx, groupID, func(g *Group) error {
		becameTerminal = false
		if g.Status.IsTerminal() {
			return nil
		}
		if g.TotalChildren == 0 {
			now := time.Now().UTC()
			g.Status = GroupCompleted
			g.CompletedAt = &now
			g.ResultsSummary = map[string]any{"total": 0, "completed": 0, "failed": 0, "zero_children": true}
			becameTerminal = true
			return nil
		}
		if g.CompletedChildren+g.FailedChildren == g.TotalChildren {
			finalizeCounts(g)
			becameTerminal = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !becameTerminal {
		return nil, nil
	}
	t.fireCompletion(ctx, g)
	return g, nil
}

// MarkGroupFailed forces the group into failed, disabling further spawns
// and suppressing post-group triggers.
func (t *Tracker) MarkGroupFailed(ctx context.Context, groupID, reason string) (*Group, error) {
	return t.markTerminal(ctx, groupID, GroupFailed, reason)
}

// MarkGroupCancelled forces the group into cancelled.
func (t *Tracker) MarkGroupCancelled(ctx context.Context, groupID, reason string) (*Group, error) {
	return t.markTerminal(ctx, groupID, GroupCancelled, reason)
}

func (t *Tracker) markTerminal(ctx context.Context, groupID string, status GroupStatus, reason string) (*Group, error) {
	now := time.Now().UTC()
	return t.store.MutateGroup(ctx, groupID, func(g *Group) error {
		if g.Status.IsTerminal() {
			return nil
		}
		g.Status = status
		g.CompletedAt = &now
		if g.ResultsSummary == nil {
			g.ResultsSummary = map[string]any{}
		}
		g.ResultsSummary["reason"] = reason
		return nil
	})
}

// finalizeCounts derives the terminal status from child outcomes and
// records the summary. Caller holds the mutate closure.
func finalizeCounts(g *Group) {
	now := time.Now().UTC()
	switch {
	case g.FailedChildren == 0:
		g.Status = GroupCompleted
	case g.CompletedChildren == 0:
		g.Status = GroupFailed
	default:
		g.Status = GroupPartial
	}
	g.CompletedAt = &now
	g.ResultsSummary = map[string]any{
		"total":     g.TotalChildren,
		"completed": g.CompletedChildren,
		"failed":    g.FailedChildren,
	}
}

// fireCompletion emits the post-group event and, when configured, launches
// the follow-on procedure. Failures are logged, never propagated: the group
// outcome already stands.
func (t *Tracker) fireCompletion(ctx context.Context, g *Group) {
	payload := map[string]any{
		"group_id":      g.ID,
		"group_type":    g.GroupType,
		"status":        string(g.Status),
		"total":         g.TotalChildren,
		"completed":     g.CompletedChildren,
		"failed":        g.FailedChildren,
		"parent_run_id": g.ParentRunID,
	}
	if t.emitter != nil {
		name := fmt.Sprintf("%s.group_completed", g.GroupType)
		if err := t.emitter.Emit(ctx, name, g.OrganizationID, payload, g.ParentRunID); err != nil {
			t.logger.Warn("Failed to emit group completion event", "group_id", g.ID, "error", err)
		}
	}
	if g.Config.AfterProcedureSlug == "" || t.launcher == nil {
		return
	}
	if g.Status != GroupCompleted && g.Status != GroupPartial {
		return
	}
	params := map[string]any{
		"group_id":  g.ID,
		"total":     g.TotalChildren,
		"completed": g.CompletedChildren,
		"failed":    g.FailedChildren,
	}
	for k, v := range g.Config.AfterProcedureParams {
		params[k] = v
	}
	if _, err := t.launcher.LaunchProcedure(ctx, g.OrganizationID, g.Config.AfterProcedureSlug, params, OriginGroup, g.ParentRunID); err != nil {
		t.logger.Warn("Failed to launch post-group procedure",
			"group_id", g.ID, "slug", g.Config.AfterProcedureSlug, "error", err)
	}
}
