// Package procedure implements the declarative workflow engine: definitions
// with validated step graphs, a registry of side-effect-tagged functions, a
// template language over step results, and the interpreting executor.
package procedure

import "time"

// OnError controls what a failure does to the containing scope.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorContinue OnError = "continue"
)

// Flow-control function names. Steps naming one of these dispatch nested
// branches instead of calling a registered function.
const (
	FuncIfBranch     = "if_branch"
	FuncSwitchBranch = "switch_branch"
	FuncParallel     = "parallel"
	FuncForeach      = "foreach"
)

// Branch keys with fixed meaning.
const (
	BranchThen    = "then"
	BranchElse    = "else"
	BranchDefault = "default"
	BranchEach    = "each"
)

// IsFlowFunction reports whether name is a flow-control primitive.
func IsFlowFunction(name string) bool {
	switch name {
	case FuncIfBranch, FuncSwitchBranch, FuncParallel, FuncForeach:
		return true
	}
	return false
}

// Parameter declares one procedure input.
type Parameter struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Foreach is the legacy single-step iteration form: the step's own function
// runs once per item.
type Foreach struct {
	Items       string `json:"items" yaml:"items"`
	Concurrency int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Condition   string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Step is one node of a procedure graph.
type Step struct {
	Name      string             `json:"name" yaml:"name"`
	Function  string             `json:"function" yaml:"function"`
	Params    map[string]any     `json:"params,omitempty" yaml:"params,omitempty"`
	Condition string             `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnError   OnError            `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Branches  map[string][]*Step `json:"branches,omitempty" yaml:"branches,omitempty"`
	Foreach   *Foreach           `json:"foreach,omitempty" yaml:"foreach,omitempty"`
}

// Procedure is a declarative workflow definition. Slug is unique per
// organization; duplicates are resolved first-wins at load time.
type Procedure struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id,omitempty"`
	Slug           string      `json:"slug" yaml:"slug"`
	Version        int         `json:"version" yaml:"version"`
	Description    string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters     []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps          []*Step     `json:"steps" yaml:"steps"`
	OnError        OnError     `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TriggerType classifies what fires a trigger.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerEvent   TriggerType = "event"
	TriggerWebhook TriggerType = "webhook"
	TriggerManual  TriggerType = "manual"
)

// Trigger is a rule that materialises new Runs for a procedure or pipeline.
type Trigger struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id,omitempty"`
	ProcedureID     string         `json:"procedure_id,omitempty"`
	PipelineID      string         `json:"pipeline_id,omitempty"`
	TriggerType     TriggerType    `json:"trigger_type"`
	CronExpression  string         `json:"cron_expression,omitempty"`
	EventName       string         `json:"event_name,omitempty"`
	EventFilter     map[string]any `json:"event_filter,omitempty"`
	IsActive        bool           `json:"is_active"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	NextTriggerAt   *time.Time     `json:"next_trigger_at,omitempty"`
	TriggerCount    int            `json:"trigger_count"`
	CreatedAt       time.Time      `json:"created_at"`
}
