package domain

import "context"

// Tier is the analyzer's routing decision for a job.
type Tier string

const (
	TierInline   Tier = "inline"
	TierPooled   Tier = "pooled"
	TierIsolated Tier = "isolated"
)

// ExecutionStrategy runs a job to completion. Execute never panics and
// never lets a handler failure escape; it always returns a settled Result.
type ExecutionStrategy interface {
	Name() string
	CanHandle(job *Job) bool
	Execute(ctx context.Context, job *Job) Result
}
