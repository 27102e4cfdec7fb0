package procedure

import (
	"context"
	"fmt"
	"sync"
)

// ResultStatus is the outcome of one function call or step.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultSkipped   ResultStatus = "skipped"
	ResultPartial   ResultStatus = "partial"
)

// FunctionResult is what every registered function returns.
type FunctionResult struct {
	Status         ResultStatus   `json:"status"`
	Data           map[string]any `json:"data,omitempty"`
	ItemsProcessed int            `json:"items_processed,omitempty"`
	ItemsFailed    int            `json:"items_failed,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Failed builds a failed result with the given error message.
func Failed(format string, args ...any) *FunctionResult {
	return &FunctionResult{Status: ResultFailed, Error: fmt.Sprintf(format, args...)}
}

// Completed builds a completed result carrying data.
func Completed(data map[string]any) *FunctionResult {
	return &FunctionResult{Status: ResultCompleted, Data: data}
}

// Call carries the execution context of one function invocation.
type Call struct {
	OrganizationID string
	RunID          string
	TraceID        string
	Params         map[string]any
}

// Handler is a registered function implementation.
type Handler func(ctx context.Context, call Call) (*FunctionResult, error)

// Exposure declares where a function may be invoked from.
type Exposure struct {
	Procedure bool `json:"procedure"`
	API       bool `json:"api"`
}

// Function is one registry entry: an operation with governance metadata.
type Function struct {
	Name        string
	Description string
	SideEffects bool
	Exposure    Exposure
	Handler     Handler
}

// Registry resolves function ids for the executor. Registration happens at
// startup; lookups are read-only afterwards.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]*Function
}

// NewFunctionRegistry creates an empty Registry.
func NewFunctionRegistry() *Registry {
	return &Registry{fns: make(map[string]*Function)}
}

// Register adds a function. Re-registering a name replaces the entry.
func (r *Registry) Register(fn *Function) error {
	if fn.Name == "" || fn.Handler == nil {
		return fmt.Errorf("function requires a name and a handler")
	}
	if IsFlowFunction(fn.Name) {
		return fmt.Errorf("%s is a reserved flow function", fn.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[fn.Name] = fn
	return nil
}

// Get resolves a function by name.
func (r *Registry) Get(name string) (*Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// List returns all registered functions.
func (r *Registry) List() []*Function {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Function, 0, len(r.fns))
	for _, fn := range r.fns {
		out = append(out, fn)
	}
	return out
}
