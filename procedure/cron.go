package procedure

import (
	"github.com/robfig/cron/v3"
)

// parseCron parses a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}
