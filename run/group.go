package run

import "time"

// GroupStatus is a RunGroup lifecycle state.
type GroupStatus string

const (
	GroupPending   GroupStatus = "pending"
	GroupRunning   GroupStatus = "running"
	GroupPartial   GroupStatus = "partial"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupCancelled GroupStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal group status.
func (s GroupStatus) IsTerminal() bool {
	switch s {
	case GroupPartial, GroupCompleted, GroupFailed, GroupCancelled:
		return true
	}
	return false
}

// GroupConfig carries the post-group trigger spec.
type GroupConfig struct {
	// AfterProcedureSlug names a procedure to run once the group reaches
	// completed or partial. Skipped when the group fails outright.
	AfterProcedureSlug string `json:"after_procedure_slug,omitempty"`
	// AfterProcedureParams are merged into the follow-on run's parameters
	// alongside the group's final counts.
	AfterProcedureParams map[string]any `json:"after_procedure_params,omitempty"`
}

// Group tracks a parent/child fan-out. Invariant:
// CompletedChildren + FailedChildren <= TotalChildren.
type Group struct {
	ID                string         `json:"id"`
	OrganizationID    string         `json:"organization_id"`
	GroupType         string         `json:"group_type"`
	ParentRunID       string         `json:"parent_run_id,omitempty"`
	Status            GroupStatus    `json:"status"`
	TotalChildren     int            `json:"total_children"`
	CompletedChildren int            `json:"completed_children"`
	FailedChildren    int            `json:"failed_children"`
	Config            GroupConfig    `json:"config"`
	ResultsSummary    map[string]any `json:"results_summary,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}
