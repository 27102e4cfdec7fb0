// Package run provides the universal execution record used by every
// background activity in docflow, the append-only per-run event log, and the
// parent/child group tracker that coordinates fan-out jobs.
package run

import (
	"fmt"
	"time"
)

// Type identifies the kind of work a Run represents.
type Type string

const (
	TypeExtraction            Type = "extraction"
	TypeExtractionEnhancement Type = "extraction_enhancement"
	TypeProcedure             Type = "procedure"
	TypePipeline              Type = "pipeline"
	TypeScrape                Type = "scrape"
	TypeSharePointSync        Type = "sharepoint_sync"
	TypeSAMPull               Type = "sam_pull"
	TypeSystemMaintenance     Type = "system_maintenance"
	TypeIndexing              Type = "indexing"
)

// Origin identifies what caused a Run to be created.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginSystem    Origin = "system"
	OriginScheduled Origin = "scheduled"
	OriginEvent     Origin = "event"
	OriginGroup     Origin = "group"
)

// Status is a Run lifecycle state. Transitions are restricted to the edges
// in validTransitions; anything else is ErrInvalidTransition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// validTransitions holds the allowed status edges. The queue-mediated path
// goes pending -> submitted -> running; direct paths may skip submitted.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusRunning, StatusCancelled},
	StatusSubmitted: {StatusRunning, StatusCancelled, StatusTimedOut},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Progress tracks completion of a Run in its natural unit.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit,omitempty"`
	Percent int    `json:"percent"`
}

// Run is the universal execution record.
type Run struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	RunType        Type           `json:"run_type"`
	Origin         Origin         `json:"origin"`
	Status         Status         `json:"status"`
	Config         map[string]any `json:"config,omitempty"`
	InputAssetIDs  []string       `json:"input_asset_ids,omitempty"`
	Progress       Progress       `json:"progress"`
	ResultsSummary map[string]any `json:"results_summary,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`

	// Queue columns; only meaningful while the run is a pending
	// extraction-queue entry.
	Priority   int        `json:"priority,omitempty"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`

	GroupID       string `json:"group_id,omitempty"`
	IsGroupParent bool   `json:"is_group_parent,omitempty"`

	TraceID          string `json:"trace_id,omitempty"`
	ProcedureID      string `json:"procedure_id,omitempty"`
	ProcedureVersion int    `json:"procedure_version,omitempty"`
}

// transition applies the status machine to r in place, maintaining
// lifetime timestamps. errMsg is kept only for failure states.
func (r *Run) transition(to Status, errMsg string, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (run %s)", ErrInvalidTransition, r.Status, to, r.ID)
	}
	r.Status = to
	if to == StatusRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if to.IsTerminal() {
		r.CompletedAt = &now
	}
	if errMsg != "" && (to == StatusFailed || to == StatusTimedOut || to == StatusCancelled) {
		r.ErrorMessage = errMsg
	}
	return nil
}

// setProgress recomputes the percentage. Percent never goes backward.
func (r *Run) setProgress(current, total int, unit string) {
	p := Progress{Current: current, Total: total, Unit: unit, Percent: r.Progress.Percent}
	if total > 0 {
		pct := 100 * current / total
		if pct > 100 {
			pct = 100
		}
		if pct > p.Percent {
			p.Percent = pct
		}
	}
	r.Progress = p
}
