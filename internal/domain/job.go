package domain

import (
	"context"
	"fmt"
	"time"
)

// Isolation is the tri-state isolation request carried by a job. Unset
// means the caller left the decision to the analyzer.
type Isolation int

const (
	IsolationUnset Isolation = iota
	IsolationNever
	IsolationAlways
)

func (i Isolation) String() string {
	switch i {
	case IsolationNever:
		return "never"
	case IsolationAlways:
		return "always"
	default:
		return "unset"
	}
}

// Handler is the executable body of a job. Implementations must report
// failure through the returned error, never by swallowing it.
type Handler interface {
	Run(ctx context.Context, params map[string]any) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) error

func (f HandlerFunc) Run(ctx context.Context, params map[string]any) error {
	return f(ctx, params)
}

// Job is one unit of work handed to the runtime. The runtime owns the
// instance for the duration of a single execution attempt; a job instance
// is never executed concurrently with itself.
type Job struct {
	ID   string
	Type string // logical class name: registry key and statistics key

	// Params holds only plain data (scalars, slices, maps, nil). It is the
	// only part of the job that crosses the process boundary for isolated
	// execution.
	Params map[string]any

	TimeoutSeconds int
	MaxMemoryMB    int
	Isolation      Isolation
	Priority       int

	// EstimatedDuration is an optional caller hint in seconds, resolved at
	// construction time.
	EstimatedDuration *float64

	// SourcePath is the file defining the handler. Checked against the
	// allow-list before isolated execution and scanned by the analyzer.
	SourcePath string

	Handler Handler
}

// Timeout returns the job's declared timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Limits is the process-wide security configuration snapshot. It is read
// only after startup; changing it requires a restart.
type Limits struct {
	MaxTimeoutSeconds     int
	MaxMemoryMB           int
	MaxConcurrent         int
	MaxJobsPerMinute      int
	AllowedSourcePrefixes []string
}

// Validate checks the job against the server-side limits. A violating job
// must never be dispatched.
func (j *Job) Validate(l Limits) error {
	if j.Type == "" {
		return &ValidationError{Field: "type", Requested: "", Allowed: "non-empty job type"}
	}
	if j.TimeoutSeconds < 1 || j.TimeoutSeconds > l.MaxTimeoutSeconds {
		return &ValidationError{
			Field:     "timeout_seconds",
			Requested: j.TimeoutSeconds,
			Allowed:   fmt.Sprintf("1..%d", l.MaxTimeoutSeconds),
		}
	}
	if j.MaxMemoryMB < 1 || j.MaxMemoryMB > l.MaxMemoryMB {
		return &ValidationError{
			Field:     "max_memory_mb",
			Requested: j.MaxMemoryMB,
			Allowed:   fmt.Sprintf("1..%d", l.MaxMemoryMB),
		}
	}
	if j.Priority < -100 || j.Priority > 100 {
		return &ValidationError{
			Field:     "priority",
			Requested: j.Priority,
			Allowed:   "-100..100",
		}
	}
	return nil
}
