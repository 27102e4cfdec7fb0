// Package schedule stores scheduled tasks and materialises runs for them
// when they come due.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScopeType says whether a task belongs to one organization or the platform.
type ScopeType string

const (
	ScopeGlobal       ScopeType = "global"
	ScopeOrganization ScopeType = "organization"
)

// Task is a named, recurring unit of work. Names are unique across the
// platform and double as the storage key.
type Task struct {
	Name               string         `json:"name"`
	TaskType           string         `json:"task_type"`
	ScheduleExpression string         `json:"schedule_expression"`
	Enabled            bool           `json:"enabled"`
	ScopeType          ScopeType      `json:"scope_type"`
	OrganizationID     string         `json:"organization_id,omitempty"`
	Config             map[string]any `json:"config,omitempty"`

	LastRunID     string     `json:"last_run_id,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the task is well formed, including its cron expression.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.TaskType == "" {
		return fmt.Errorf("task type is required")
	}
	switch t.ScopeType {
	case ScopeGlobal:
		if t.OrganizationID != "" {
			return fmt.Errorf("global task %q must not set organization_id", t.Name)
		}
	case ScopeOrganization:
		if t.OrganizationID == "" {
			return fmt.Errorf("organization-scoped task %q requires organization_id", t.Name)
		}
	default:
		return fmt.Errorf("task %q has invalid scope_type %q", t.Name, t.ScopeType)
	}
	if _, err := parseSchedule(t.ScheduleExpression); err != nil {
		return fmt.Errorf("task %q: invalid schedule expression %q: %w", t.Name, t.ScheduleExpression, err)
	}
	return nil
}

// Next returns the first fire time strictly after now.
func (t *Task) Next(now time.Time) (time.Time, error) {
	sched, err := parseSchedule(t.ScheduleExpression)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

func parseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}
