// Package strategy implements the execution strategies the runtime
// dispatches to: inline (same goroutine, no preemption) and isolated
// (dedicated OS subprocess with enforced limits), plus the selector that
// binds the analyzer's tier to a concrete strategy.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"adaptive-runner/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Inline runs the job's handler on the calling goroutine. It cannot
// preempt the handler: a declared timeout that is exceeded is logged as a
// violation after the fact, nothing more.
type Inline struct {
	limits domain.Limits
	logger *slog.Logger
	tracer trace.Tracer
}

// NewInline creates the inline strategy.
func NewInline(limits domain.Limits, logger *slog.Logger) *Inline {
	return &Inline{
		limits: limits,
		logger: logger.With("component", "inline-strategy"),
		tracer: otel.Tracer("adaptive-runner-inline-strategy"),
	}
}

func (s *Inline) Name() string { return "inline" }

// CanHandle is true only when the job explicitly opts out of isolation.
func (s *Inline) CanHandle(job *domain.Job) bool {
	return job.Isolation == domain.IsolationNever
}

// Execute invokes the handler, captures any failure it raises (including
// panics) and returns a settled result. A scoped Go soft memory limit of
// min(job ceiling, server ceiling) is installed for the duration of the
// call and restored on every exit path.
func (s *Inline) Execute(ctx context.Context, job *domain.Job) domain.Result {
	ctx, span := s.tracer.Start(ctx, "strategy.inline.Execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
		))
	defer span.End()

	res := domain.Result{JobID: job.ID, JobType: job.Type, Strategy: s.Name()}

	if job.Handler == nil {
		res.Status = domain.StatusFailed
		res.Err = fmt.Errorf("job %s has no handler", job.ID)
		span.SetStatus(codes.Error, "missing handler")
		return res
	}

	limitMB := job.MaxMemoryMB
	if s.limits.MaxMemoryMB > 0 && limitMB > s.limits.MaxMemoryMB {
		limitMB = s.limits.MaxMemoryMB
	}

	start := time.Now()
	err := runWithMemoryLimit(ctx, job, limitMB)
	res.Duration = time.Since(start)

	if res.Duration > job.Timeout() {
		// Inline execution cannot be interrupted; record the violation so
		// the analyzer's history routes this type elsewhere next time.
		s.logger.Warn("inline job exceeded its declared timeout",
			"job_id", job.ID,
			"job_type", job.Type,
			"timeout_seconds", job.TimeoutSeconds,
			"duration", res.Duration,
		)
		span.AddEvent("timeout_violation")
	}

	if err != nil {
		res.Status = domain.StatusFailed
		res.Err = fmt.Errorf("%s", sanitizeMessage(err.Error()))
		span.SetStatus(codes.Error, "inline execution failed")
		span.RecordError(err)
		return res
	}

	res.Status = domain.StatusSucceeded
	return res
}

// memLimitMu serializes the soft-memory-limit scope. The Go runtime limit
// is process-global, so overlapping executions would otherwise capture
// each other's job ceiling as the value to restore.
var memLimitMu sync.Mutex

// runWithMemoryLimit runs the handler under a scoped process memory limit
// and restores the prior limit on every exit path.
func runWithMemoryLimit(ctx context.Context, job *domain.Job, limitMB int) error {
	memLimitMu.Lock()
	defer memLimitMu.Unlock()

	prev := debug.SetMemoryLimit(int64(limitMB) << 20)
	defer debug.SetMemoryLimit(prev)

	return runHandler(ctx, job)
}

// runHandler confines handler panics to the strategy boundary.
func runHandler(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return job.Handler.Run(ctx, job.Params)
}
