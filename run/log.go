package run

import "time"

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// EventType classifies a run log event.
type EventType string

const (
	EventStart               EventType = "start"
	EventProgress            EventType = "progress"
	EventStepStart           EventType = "step_start"
	EventStepComplete        EventType = "step_complete"
	EventStepError           EventType = "step_error"
	EventGovernance          EventType = "governance"
	EventGovernanceViolation EventType = "governance_violation"
	EventRestart             EventType = "restart"
	EventSummary             EventType = "summary"
)

// LogEvent is one entry in a Run's append-only ordered log.
type LogEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int            `json:"seq"`
	Level     LogLevel       `json:"level"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
