package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/docflow/run"
)

// Publisher dispatches a task to a worker subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Task is the message a worker receives for one submitted run.
type Task struct {
	RunID          string   `json:"run_id"`
	OrganizationID string   `json:"organization_id"`
	RunType        run.Type `json:"run_type"`
	AssetID        string   `json:"asset_id,omitempty"`
}

// Submitter drains pending runs into worker subjects, respecting each
// queue's max_concurrent cap. It is idempotent per tick: duplicate
// suppression at enqueue time means re-submitting the same asset twice
// cannot happen, and pending->submitted transitions are one-way.
type Submitter struct {
	runs      *run.Service
	registry  *Registry
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
}

// NewSubmitter creates a Submitter. metrics may be nil.
func NewSubmitter(runs *run.Service, registry *Registry, publisher Publisher, metrics *Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{runs: runs, registry: registry, publisher: publisher, metrics: metrics, logger: logger}
}

// SubmitDue performs one submitter tick across all enabled queues and
// returns the number of runs submitted.
func (s *Submitter) SubmitDue(ctx context.Context) (int, error) {
	total := 0
	for _, def := range s.registry.List() {
		if !def.Params.Enabled || def.Params.MaxConcurrent <= 0 {
			continue
		}
		n, err := s.submitQueue(ctx, def)
		if err != nil {
			s.logger.Error("Submitter tick failed for queue",
				"queue", def.Type, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (s *Submitter) submitQueue(ctx context.Context, def Definition) (int, error) {
	pending, err := s.runs.List(ctx, "", run.Filter{
		Types:    def.RunTypes,
		Statuses: []run.Status{run.StatusPending},
	})
	if err != nil {
		return 0, err
	}
	inFlight, err := s.runs.List(ctx, "", run.Filter{
		Types:    def.RunTypes,
		Statuses: []run.Status{run.StatusSubmitted, run.StatusRunning},
	})
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.Depth.WithLabelValues(def.Type).Set(float64(len(pending)))
		s.metrics.InFlight.WithLabelValues(def.Type).Set(float64(len(inFlight)))
	}

	slots := def.Params.MaxConcurrent - len(inFlight)
	if slots <= 0 || len(pending) == 0 {
		return 0, nil
	}

	sortByDispatchOrder(pending)

	submitted := 0
	for _, r := range pending {
		if submitted >= slots {
			break
		}
		if err := s.submitOne(ctx, def, r); err != nil {
			s.logger.Warn("Failed to submit run", "run_id", r.ID, "error", err)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		s.logger.Info("Submitter tick", "queue", def.Type,
			"submitted", submitted, "pending", len(pending)-submitted)
	}
	return submitted, nil
}

func (s *Submitter) submitOne(ctx context.Context, def Definition, r *run.Run) error {
	if _, err := s.runs.UpdateStatus(ctx, r.ID, run.StatusSubmitted); err != nil {
		return err
	}
	task := Task{
		RunID:          r.ID,
		OrganizationID: r.OrganizationID,
		RunType:        r.RunType,
	}
	if len(r.InputAssetIDs) > 0 {
		task.AssetID = r.InputAssetIDs[0]
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, def.Subject, data); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Submitted.WithLabelValues(def.Type).Inc()
	}
	return nil
}

// sortByDispatchOrder orders runs by (-priority, enqueued_at): higher
// priority first, FIFO within one priority class. Runs without an
// enqueued_at sort by creation time.
func sortByDispatchOrder(runs []*run.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Priority != runs[j].Priority {
			return runs[i].Priority > runs[j].Priority
		}
		return enqueueTime(runs[i]).Before(enqueueTime(runs[j]))
	})
}

func enqueueTime(r *run.Run) time.Time {
	if r.EnqueuedAt != nil {
		return *r.EnqueuedAt
	}
	return r.CreatedAt
}

// Run ticks the submitter on each queue's shortest submission interval
// until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) {
	interval := s.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SubmitDue(ctx); err != nil {
				s.logger.Error("Submitter tick failed", "error", err)
			}
			if next := s.tickInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Submitter) tickInterval() time.Duration {
	interval := 15 * time.Second
	for _, def := range s.registry.List() {
		if def.Params.Enabled && def.Params.SubmissionInterval > 0 && def.Params.SubmissionInterval < interval {
			interval = def.Params.SubmissionInterval
		}
	}
	return interval
}
