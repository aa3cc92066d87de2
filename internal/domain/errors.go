package domain

import (
	"errors"
	"fmt"
)

// Admission-control and lifecycle sentinels. Callers are expected to back
// off and retry on the limit errors; the runtime never queues on their
// behalf.
var (
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrRateLimitExceeded        = errors.New("rate limit exceeded")
	ErrShuttingDown             = errors.New("runtime is shutting down")

	// ErrTimedOut marks a result produced by a forced kill, distinct from a
	// job that failed on its own.
	ErrTimedOut = errors.New("job timed out and was terminated")
)

// ValidationError reports a job property outside the server-side limits.
// It names the offending field and both the requested and allowed values.
type ValidationError struct {
	Field     string
	Requested any
	Allowed   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job field %q: requested %v, allowed %s", e.Field, e.Requested, e.Allowed)
}

// SecurityError reports a job rejected before spawn for violating the
// isolated-execution security policy. The reason is already safe to log.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return "security violation: " + e.Reason
}
