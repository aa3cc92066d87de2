package domain

import "time"

// ResultStatus is the terminal state of one execution attempt.
type ResultStatus string

const (
	StatusSucceeded ResultStatus = "succeeded"
	StatusFailed    ResultStatus = "failed"
	StatusTimedOut  ResultStatus = "timed_out"
)

// Result is the settled outcome of a job execution. Failure and timeout
// travel through the same channel as success; callers must check Status
// rather than assume the happy path.
type Result struct {
	JobID    string
	JobType  string
	Strategy string
	Status   ResultStatus
	Duration time.Duration
	Output   string
	Err      error
}

func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }
func (r Result) TimedOut() bool  { return r.Status == StatusTimedOut }

// ExecutionRecord tracks one in-flight job. It exists in the runtime's
// running set exactly from dispatch until settlement; removal is
// idempotent.
type ExecutionRecord struct {
	JobID     string
	JobType   string
	Strategy  string
	StartedAt time.Time
}
