package procedure

import "fmt"

// Log truncation limits. Nested budgets shrink so deep structures cannot
// blow up the run log.
const (
	truncateStringBudget = 2000
	truncateListLimit    = 10
)

// truncateForLog bounds a value for inclusion in run log context.
func truncateForLog(v any) any {
	return truncateValue(v, truncateStringBudget)
}

func truncateValue(v any, budget int) any {
	if budget < 64 {
		budget = 64
	}
	switch val := v.(type) {
	case string:
		if len(val) > budget {
			return fmt.Sprintf("%s... (truncated, %d chars total)", val[:budget], len(val))
		}
		return val
	case []any:
		if len(val) > truncateListLimit {
			out := make([]any, truncateListLimit, truncateListLimit+1)
			for i := 0; i < truncateListLimit; i++ {
				out[i] = truncateValue(val[i], budget/2)
			}
			out = append(out, fmt.Sprintf("... (%d more elements)", len(val)-truncateListLimit))
			return out
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = truncateValue(item, budget/2)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = truncateValue(item, budget/2)
		}
		return out
	default:
		return v
	}
}
