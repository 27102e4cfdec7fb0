package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service implements the run-store operations on top of a Store: creation,
// scoped reads, the strict status machine, progress accounting, and the
// append-only audit log.
type Service struct {
	store  Store
	groups *Tracker
	logger *slog.Logger
}

// NewService creates a run Service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// AttachGroups connects the group Tracker so terminal transitions of grouped
// runs feed the group's outcome counters. Call once during wiring, before
// any grouped run can finish.
func (s *Service) AttachGroups(t *Tracker) {
	s.groups = t
}

// Store exposes the underlying store for collaborators that need raw access
// (group tracker, queue submitter).
func (s *Service) Store() Store { return s.store }

// Create materialises a new Run in status pending.
func (s *Service) Create(ctx context.Context, org string, typ Type, origin Origin, config map[string]any, inputAssetIDs []string, createdBy string) (*Run, error) {
	return s.CreateWithID(ctx, uuid.New().String(), org, typ, origin, config, inputAssetIDs, createdBy)
}

// CreateWithID materialises a new Run in status pending under a
// caller-chosen id. Callers that reserve the id elsewhere first (the
// extraction queue claims its pending-index slot before the row exists)
// use this so nothing is persisted when the reservation is lost.
func (s *Service) CreateWithID(ctx context.Context, id, org string, typ Type, origin Origin, config map[string]any, inputAssetIDs []string, createdBy string) (*Run, error) {
	if org == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	r := &Run{
		ID:             id,
		OrganizationID: org,
		RunType:        typ,
		Origin:         origin,
		Status:         StatusPending,
		Config:         config,
		InputAssetIDs:  inputAssetIDs,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      createdBy,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Debug("Run created", "run_id", r.ID, "run_type", typ, "origin", origin, "org", org)
	return r, nil
}

// Get returns the run, enforcing tenant isolation when org is non-empty.
func (s *Service) Get(ctx context.Context, org, id string) (*Run, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if org != "" && r.OrganizationID != org {
		s.logger.Warn("Cross-organization run access denied", "run_id", id, "requesting_org", org)
		return nil, ErrTenantViolation
	}
	return r, nil
}

// List returns runs for the organization matching the filter, newest first.
func (s *Service) List(ctx context.Context, org string, f Filter) ([]*Run, error) {
	return s.store.List(ctx, org, f)
}

// UpdateStatus transitions the run along the status machine.
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status) (*Run, error) {
	return s.updateStatus(ctx, id, to, "")
}

// Fail transitions the run to failed with the given error message.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (*Run, error) {
	if errMsg == "" {
		errMsg = "run failed"
	}
	return s.updateStatus(ctx, id, StatusFailed, errMsg)
}

// Cancel transitions the run to cancelled.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Run, error) {
	return s.updateStatus(ctx, id, StatusCancelled, reason)
}

// TimeOut transitions the run to timed_out.
func (s *Service) TimeOut(ctx context.Context, id, reason string) (*Run, error) {
	return s.updateStatus(ctx, id, StatusTimedOut, reason)
}

func (s *Service) updateStatus(ctx context.Context, id string, to Status, errMsg string) (*Run, error) {
	now := time.Now().UTC()
	r, err := s.store.Mutate(ctx, id, func(r *Run) error {
		return r.transition(to, errMsg, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Run status updated", "run_id", id, "status", to)
	s.notifyGroup(ctx, r)
	return r, nil
}

// Complete transitions the run to completed with a results summary.
func (s *Service) Complete(ctx context.Context, id string, summary map[string]any) (*Run, error) {
	now := time.Now().UTC()
	r, err := s.store.Mutate(ctx, id, func(r *Run) error {
		if err := r.transition(StatusCompleted, "", now); err != nil {
			return err
		}
		r.ResultsSummary = summary
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyGroup(ctx, r)
	return r, nil
}

// notifyGroup feeds a grouped child's terminal outcome to the Tracker.
// Group bookkeeping never fails the run transition that triggered it.
func (s *Service) notifyGroup(ctx context.Context, r *Run) {
	if s.groups == nil || r.GroupID == "" || r.IsGroupParent || !r.Status.IsTerminal() {
		return
	}
	var err error
	if r.Status == StatusCompleted {
		_, err = s.groups.ChildCompleted(ctx, r)
	} else {
		_, err = s.groups.ChildFailed(ctx, r)
	}
	if err != nil {
		s.logger.Warn("Failed to record group child outcome",
			"run_id", r.ID, "group_id", r.GroupID, "status", r.Status, "error", err)
	}
}

// UpdateProgress records progress on the run. Percent never goes backward.
func (s *Service) UpdateProgress(ctx context.Context, id string, current, total int, unit string) (*Run, error) {
	return s.store.Mutate(ctx, id, func(r *Run) error {
		r.setProgress(current, total, unit)
		return nil
	})
}

// SetResults stores the results summary without changing status.
func (s *Service) SetResults(ctx context.Context, id string, summary map[string]any) (*Run, error) {
	return s.store.Mutate(ctx, id, func(r *Run) error {
		r.ResultsSummary = summary
		return nil
	})
}

// EnsureTrace sets the run's trace id to its own id when unset (the first
// run of a trace is its own root) and returns the effective trace id.
func (s *Service) EnsureTrace(ctx context.Context, id string) (string, error) {
	r, err := s.store.Mutate(ctx, id, func(r *Run) error {
		if r.TraceID == "" {
			r.TraceID = r.ID
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return r.TraceID, nil
}

// CancelPendingRunsForAsset cancels every pending or submitted run of the
// given type that has the asset as an input. Returns the number cancelled.
func (s *Service) CancelPendingRunsForAsset(ctx context.Context, org, assetID string, typ Type) (int, error) {
	runs, err := s.store.List(ctx, org, Filter{
		Types:    []Type{typ},
		Statuses: []Status{StatusPending, StatusSubmitted},
		AssetID:  assetID,
	})
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, r := range runs {
		if _, err := s.Cancel(ctx, r.ID, "superseded by new request"); err != nil {
			s.logger.Warn("Failed to cancel pending run", "run_id", r.ID, "error", err)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// AppendLog records an event on the run's ordered log.
func (s *Service) AppendLog(ctx context.Context, runID string, level LogLevel, eventType EventType, message string, logCtx map[string]any) error {
	return s.store.AppendLog(ctx, &LogEvent{
		RunID:     runID,
		Level:     level,
		EventType: eventType,
		Message:   message,
		Context:   logCtx,
	})
}

// Logs returns the run's log events in insertion order.
func (s *Service) Logs(ctx context.Context, runID string) ([]*LogEvent, error) {
	return s.store.Logs(ctx, runID)
}
