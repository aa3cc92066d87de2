// Package runtime is the orchestrator: the single entry point that
// validates jobs, applies admission control, selects a strategy, tracks
// in-flight executions and settles outcomes back into the analyzer.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"adaptive-runner/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// rateWindow is the trailing window for the dispatch rate limit.
const rateWindow = time.Minute

// StrategySelector maps a job to the strategy that will run it.
type StrategySelector interface {
	Select(ctx context.Context, job *domain.Job) (domain.ExecutionStrategy, domain.Tier)
}

// OutcomeRecorder receives settled outcomes for learning.
type OutcomeRecorder interface {
	RecordExecution(ctx context.Context, jobType string, duration time.Duration, success bool) error
}

// Options configures a Runtime.
type Options struct {
	Limits domain.Limits
	// MinConcurrent is the hard floor the adaptive ceiling never drops
	// below. Defaults to 1.
	MinConcurrent int
	// DrainTimeout bounds how long Shutdown waits for in-flight jobs.
	DrainTimeout time.Duration
}

// Ticket is returned for an admitted job. The result channel receives
// exactly one settled Result; inline jobs have already settled by the time
// Submit returns.
type Ticket struct {
	JobID    string
	Strategy string
	Tier     domain.Tier
	Result   <-chan domain.Result
}

// Runtime tracks running jobs, applies back-pressure and adapts its
// concurrency ceiling to system health. All mutable state is guarded by a
// single mutex; background samplers mutate the ceiling through the same
// discipline.
type Runtime struct {
	opts     Options
	selector StrategySelector
	recorder OutcomeRecorder
	sink     domain.EventSink
	logger   *slog.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	running    map[string]*domain.ExecutionRecord
	timers     map[string]*time.Timer
	dispatches []time.Time
	ceiling    int
	accepting  bool

	processed atomic.Int64
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a Runtime. The ceiling starts at Limits.MaxConcurrent, which
// is also its hard cap.
func New(opts Options, selector StrategySelector, recorder OutcomeRecorder, sink domain.EventSink, logger *slog.Logger) *Runtime {
	if opts.MinConcurrent < 1 {
		opts.MinConcurrent = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Runtime{
		opts:      opts,
		selector:  selector,
		recorder:  recorder,
		sink:      sink,
		logger:    logger.With("component", "runtime"),
		tracer:    otel.Tracer("adaptive-runner-runtime"),
		running:   map[string]*domain.ExecutionRecord{},
		timers:    map[string]*time.Timer{},
		ceiling:   opts.Limits.MaxConcurrent,
		accepting: true,
	}
}

// Submit validates, admits and dispatches one job. Admission errors are
// returned synchronously before any resource is committed; execution and
// timeout failures are delivered through the ticket's result channel.
func (r *Runtime) Submit(ctx context.Context, job *domain.Job) (*Ticket, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.Submit",
		trace.WithAttributes(attribute.String("job.type", job.Type)))
	defer span.End()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	if err := job.Validate(r.opts.Limits); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	strat, tier := r.selector.Select(ctx, job)
	span.SetAttributes(
		attribute.String("job.strategy", strat.Name()),
		attribute.String("job.tier", string(tier)),
	)

	if err := r.admit(job, strat.Name()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission rejected")
		return nil, err
	}

	r.sink.JobDispatched(job.Type, strat.Name())
	r.logger.Info("job dispatched",
		"job_id", job.ID, "job_type", job.Type, "strategy", strat.Name(), "tier", tier)

	// Bookkeeping-only watchdog, independent of the strategy's own
	// enforcement. Only the isolated strategy can actually kill work.
	grace := job.Timeout() + 5*time.Second
	r.mu.Lock()
	r.timers[job.ID] = time.AfterFunc(grace, func() { r.expire(job.ID) })
	r.mu.Unlock()

	// Async jobs outlive the submitting request, so they must not inherit
	// its cancellation; the watchdog and the strategy's own timer govern
	// their lifetime.
	execCtx := ctx
	if tier != domain.TierInline {
		execCtx = context.WithoutCancel(ctx)
	}

	out := make(chan domain.Result, 1)
	run := func() {
		defer r.wg.Done()
		res := strat.Execute(execCtx, job)
		r.settle(job, res)
		out <- res
	}

	r.wg.Add(1)
	if tier == domain.TierInline {
		// Inline jobs settle before Submit returns; a long body blocks the
		// caller, which is exactly what the analyzer exists to prevent.
		run()
	} else {
		go run()
	}

	return &Ticket{JobID: job.ID, Strategy: strat.Name(), Tier: tier, Result: out}, nil
}

// admit performs the admission-control checks and records the dispatch.
// This is a hard gate, not a queue.
func (r *Runtime) admit(job *domain.Job, strategyName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.accepting {
		return domain.ErrShuttingDown
	}
	if len(r.running) >= r.ceiling {
		return domain.ErrConcurrencyLimitExceeded
	}

	now := time.Now()
	r.pruneDispatchesLocked(now)
	if r.opts.Limits.MaxJobsPerMinute > 0 && len(r.dispatches) >= r.opts.Limits.MaxJobsPerMinute {
		return domain.ErrRateLimitExceeded
	}
	r.dispatches = append(r.dispatches, now)

	r.running[job.ID] = &domain.ExecutionRecord{
		JobID:     job.ID,
		JobType:   job.Type,
		Strategy:  strategyName,
		StartedAt: now,
	}
	return nil
}

// pruneDispatchesLocked drops dispatch timestamps older than the rate
// window. Called lazily on each admission check.
func (r *Runtime) pruneDispatchesLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(r.dispatches); i++ {
		if r.dispatches[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		r.dispatches = append(r.dispatches[:0], r.dispatches[i:]...)
	}
}

// expire is the runtime watchdog firing: bookkeeping is released and the
// overrun is logged, nothing is killed here.
func (r *Runtime) expire(jobID string) {
	r.mu.Lock()
	rec, ok := r.running[jobID]
	if ok {
		delete(r.running, jobID)
	}
	delete(r.timers, jobID)
	r.mu.Unlock()

	if ok {
		r.logger.Warn("job exceeded runtime watchdog, releasing bookkeeping",
			"job_id", jobID, "job_type", rec.JobType, "strategy", rec.Strategy)
	}
}

// settle finalizes one execution: timer cancelled, record removed
// (idempotently), outcome counted, events emitted, analyzer fed.
func (r *Runtime) settle(job *domain.Job, res domain.Result) {
	r.mu.Lock()
	if t, ok := r.timers[job.ID]; ok {
		t.Stop()
		delete(r.timers, job.ID)
	}
	delete(r.running, job.ID)
	r.mu.Unlock()

	switch res.Status {
	case domain.StatusSucceeded:
		r.processed.Add(1)
		r.sink.JobCompleted(job.Type, res.Strategy, res.Duration)
		r.logger.Info("job completed",
			"job_id", job.ID, "job_type", job.Type, "duration", res.Duration)
	case domain.StatusTimedOut:
		r.sink.JobTimedOut(job.Type, res.Strategy)
		r.logger.Warn("job timed out and was terminated",
			"job_id", job.ID, "job_type", job.Type, "duration", res.Duration)
	default:
		reason := ""
		if res.Err != nil {
			reason = res.Err.Error()
		}
		r.sink.JobFailed(job.Type, res.Strategy, reason)
		r.logger.Warn("job failed",
			"job_id", job.ID, "job_type", job.Type, "error", reason)
	}

	if r.recorder != nil {
		if err := r.recorder.RecordExecution(context.Background(), job.Type, res.Duration, res.Succeeded()); err != nil {
			r.logger.Warn("failed to record execution outcome", "job_type", job.Type, "error", err)
		}
	}
}

// InFlight returns the number of currently tracked jobs.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Ceiling returns the current adaptive concurrency ceiling.
func (r *Runtime) Ceiling() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ceiling
}

// Processed returns the number of successfully completed jobs.
func (r *Runtime) Processed() int64 { return r.processed.Load() }

// shrinkCeiling multiplicatively lowers the ceiling toward the hard
// floor. Called by the health monitor when the system is stressed.
func (r *Runtime) shrinkCeiling() {
	r.mu.Lock()
	prev := r.ceiling
	next := int(float64(r.ceiling) * 0.7)
	if next < r.opts.MinConcurrent {
		next = r.opts.MinConcurrent
	}
	r.ceiling = next
	r.mu.Unlock()

	if next != prev {
		r.sink.CeilingChanged(prev, next)
		r.logger.Info("concurrency ceiling lowered", "previous", prev, "current", next)
	}
}

// growCeiling adds one slot, up to the hard cap, and only when current
// load is close enough to the ceiling to need it. Shrink fast, grow slow.
func (r *Runtime) growCeiling() {
	r.mu.Lock()
	prev := r.ceiling
	next := prev
	if prev < r.opts.Limits.MaxConcurrent && len(r.running) > 0 && len(r.running) >= prev-1 {
		next = prev + 1
		r.ceiling = next
	}
	r.mu.Unlock()

	if next != prev {
		r.sink.CeilingChanged(prev, next)
		r.logger.Info("concurrency ceiling raised", "previous", prev, "current", next)
	}
}

// Shutdown stops admissions immediately and waits for in-flight jobs,
// bounded by the drain timeout. Idempotent; later calls return nil.
func (r *Runtime) Shutdown(ctx context.Context, reason string) error {
	var err error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.accepting = false
		inFlight := len(r.running)
		r.mu.Unlock()

		r.sink.ShutdownInitiated(reason)
		r.logger.Info("shutdown initiated", "reason", reason, "in_flight", inFlight)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Info("all jobs drained")
		case <-time.After(r.opts.DrainTimeout):
			err = fmt.Errorf("drain period elapsed with %d jobs still running", r.InFlight())
			r.logger.Error("forcing shutdown", "error", err)
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
