package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"adaptive-runner/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStrategy lets tests script the execution outcome and observe timing.
type stubStrategy struct {
	name    string
	execute func(ctx context.Context, job *domain.Job) domain.Result
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) CanHandle(_ *domain.Job) bool { return true }
func (s *stubStrategy) Execute(ctx context.Context, job *domain.Job) domain.Result {
	return s.execute(ctx, job)
}

func succeedingStrategy(name string) *stubStrategy {
	return &stubStrategy{name: name, execute: func(_ context.Context, job *domain.Job) domain.Result {
		return domain.Result{
			JobID: job.ID, JobType: job.Type, Strategy: name,
			Status: domain.StatusSucceeded, Duration: 10 * time.Millisecond,
		}
	}}
}

// blockingStrategy parks every execution until release is closed.
func blockingStrategy(name string, release <-chan struct{}) *stubStrategy {
	return &stubStrategy{name: name, execute: func(_ context.Context, job *domain.Job) domain.Result {
		<-release
		return domain.Result{
			JobID: job.ID, JobType: job.Type, Strategy: name,
			Status: domain.StatusSucceeded,
		}
	}}
}

type fakeSelector struct {
	strat domain.ExecutionStrategy
	tier  domain.Tier
}

func (f fakeSelector) Select(_ context.Context, _ *domain.Job) (domain.ExecutionStrategy, domain.Tier) {
	return f.strat, f.tier
}

type fakeRecorder struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *fakeRecorder) RecordExecution(_ context.Context, _ string, _ time.Duration, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.successes++
	} else {
		r.failures++
	}
	return nil
}

func (r *fakeRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes, r.failures
}

type fakeSink struct {
	mu         sync.Mutex
	dispatched int
	completed  int
	failed     int
	timedOut   int
	ceilings   []int
	shutdowns  []string
}

func (s *fakeSink) JobDispatched(string, string) {
	s.mu.Lock()
	s.dispatched++
	s.mu.Unlock()
}

func (s *fakeSink) JobCompleted(string, string, time.Duration) {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

func (s *fakeSink) JobFailed(string, string, string) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *fakeSink) JobTimedOut(string, string) {
	s.mu.Lock()
	s.timedOut++
	s.mu.Unlock()
}

func (s *fakeSink) CeilingChanged(_, current int) {
	s.mu.Lock()
	s.ceilings = append(s.ceilings, current)
	s.mu.Unlock()
}

func (s *fakeSink) ShutdownInitiated(reason string) {
	s.mu.Lock()
	s.shutdowns = append(s.shutdowns, reason)
	s.mu.Unlock()
}

func runtimeLimits() domain.Limits {
	return domain.Limits{
		MaxTimeoutSeconds: 300,
		MaxMemoryMB:       512,
		MaxConcurrent:     10,
		MaxJobsPerMinute:  100,
	}
}

func runtimeJob(jobType string) *domain.Job {
	return &domain.Job{
		Type:           jobType,
		TimeoutSeconds: 30,
		MaxMemoryMB:    64,
	}
}

func newTestRuntime(limits domain.Limits, sel StrategySelector, rec OutcomeRecorder, sink domain.EventSink) *Runtime {
	return New(Options{Limits: limits, MinConcurrent: 1, DrainTimeout: 2 * time.Second}, sel, rec, sink, testLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitInlineSettlesSynchronously(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, rec, sink)

	ticket, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.JobID)
	assert.Equal(t, domain.TierInline, ticket.Tier)

	// Inline settles before Submit returns: the result is already buffered.
	select {
	case res := <-ticket.Result:
		assert.True(t, res.Succeeded())
	default:
		t.Fatal("inline result not available immediately after Submit")
	}

	assert.Equal(t, 0, r.InFlight())
	assert.Equal(t, int64(1), r.Processed())
	succ, fail := rec.counts()
	assert.Equal(t, 1, succ)
	assert.Zero(t, fail)
	assert.Equal(t, 1, sink.dispatched)
	assert.Equal(t, 1, sink.completed)
}

func TestSubmitAssignsJobID(t *testing.T) {
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, &fakeSink{})

	job := runtimeJob("t")
	require.Empty(t, job.ID)
	ticket, err := r.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.JobID)
	assert.Equal(t, job.ID, ticket.JobID)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, &fakeSink{})

	job := runtimeJob("t")
	job.TimeoutSeconds = 9999

	_, err := r.Submit(context.Background(), job)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, r.InFlight())
}

func TestSubmitEnforcesConcurrencyLimit(t *testing.T) {
	limits := runtimeLimits()
	limits.MaxConcurrent = 2

	release := make(chan struct{})
	r := newTestRuntime(limits, fakeSelector{blockingStrategy("isolated", release), domain.TierIsolated}, &fakeRecorder{}, &fakeSink{})

	t1, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	t2, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	waitFor(t, func() bool { return r.InFlight() == 2 })

	_, err = r.Submit(context.Background(), runtimeJob("t"))
	assert.ErrorIs(t, err, domain.ErrConcurrencyLimitExceeded)

	close(release)
	<-t1.Result
	<-t2.Result
	waitFor(t, func() bool { return r.InFlight() == 0 })

	// Slots freed by settlement admit again.
	_, err = r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
}

func TestSubmitAsyncSurvivesCallerCancel(t *testing.T) {
	// Mirrors an HTTP submission: net/http cancels the request context as
	// soon as the handler replies, which must not abort the dispatched job.
	ctxSensitive := &stubStrategy{name: "isolated", execute: func(ctx context.Context, job *domain.Job) domain.Result {
		select {
		case <-ctx.Done():
			return domain.Result{JobID: job.ID, JobType: job.Type, Strategy: "isolated",
				Status: domain.StatusFailed, Err: ctx.Err()}
		case <-time.After(150 * time.Millisecond):
			return domain.Result{JobID: job.ID, JobType: job.Type, Strategy: "isolated",
				Status: domain.StatusSucceeded, Duration: 150 * time.Millisecond}
		}
	}}
	r := newTestRuntime(runtimeLimits(), fakeSelector{ctxSensitive, domain.TierIsolated}, &fakeRecorder{}, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := r.Submit(ctx, runtimeJob("t"))
	require.NoError(t, err)
	cancel()

	res := <-ticket.Result
	assert.True(t, res.Succeeded())
	assert.NoError(t, res.Err)
}

func TestSubmitInlineKeepsCallerContext(t *testing.T) {
	// Inline runs on the caller's goroutine while the caller waits, so the
	// live request context stays visible to the handler.
	type key struct{}
	var got any
	observing := &stubStrategy{name: "inline", execute: func(ctx context.Context, job *domain.Job) domain.Result {
		got = ctx.Value(key{})
		return domain.Result{JobID: job.ID, JobType: job.Type, Strategy: "inline",
			Status: domain.StatusSucceeded}
	}}
	r := newTestRuntime(runtimeLimits(), fakeSelector{observing, domain.TierInline}, &fakeRecorder{}, &fakeSink{})

	ctx := context.WithValue(context.Background(), key{}, "marker")
	_, err := r.Submit(ctx, runtimeJob("t"))
	require.NoError(t, err)
	assert.Equal(t, "marker", got)
}

func TestSubmitEnforcesRateLimit(t *testing.T) {
	limits := runtimeLimits()
	limits.MaxJobsPerMinute = 3

	r := newTestRuntime(limits, fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, &fakeSink{})

	for i := 0; i < 3; i++ {
		_, err := r.Submit(context.Background(), runtimeJob("t"))
		require.NoError(t, err)
	}

	// Completed jobs free concurrency slots but not rate-window slots.
	_, err := r.Submit(context.Background(), runtimeJob("t"))
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, sink)

	require.NoError(t, r.Shutdown(context.Background(), "test"))
	_, err := r.Submit(context.Background(), runtimeJob("t"))
	assert.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Equal(t, []string{"test"}, sink.shutdowns)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, sink)

	require.NoError(t, r.Shutdown(context.Background(), "first"))
	require.NoError(t, r.Shutdown(context.Background(), "second"))
	assert.Equal(t, []string{"first"}, sink.shutdowns)
}

func TestShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	r := newTestRuntime(runtimeLimits(), fakeSelector{blockingStrategy("isolated", release), domain.TierIsolated}, &fakeRecorder{}, &fakeSink{})

	ticket, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	waitFor(t, func() bool { return r.InFlight() == 1 })

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, r.Shutdown(context.Background(), "drain"))
	res := <-ticket.Result
	assert.True(t, res.Succeeded())
	assert.Equal(t, 0, r.InFlight())
}

func TestShutdownTimesOutOnStuckJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := New(Options{Limits: runtimeLimits(), DrainTimeout: 100 * time.Millisecond},
		fakeSelector{blockingStrategy("isolated", release), domain.TierIsolated}, &fakeRecorder{}, &fakeSink{}, testLogger())

	_, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	waitFor(t, func() bool { return r.InFlight() == 1 })

	err = r.Shutdown(context.Background(), "stuck")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")
}

func TestFailedJobsAreRecordedAndNotCounted(t *testing.T) {
	rec := &fakeRecorder{}
	sink := &fakeSink{}
	failing := &stubStrategy{name: "inline", execute: func(_ context.Context, job *domain.Job) domain.Result {
		return domain.Result{JobID: job.ID, JobType: job.Type, Strategy: "inline",
			Status: domain.StatusFailed, Err: errors.New("boom")}
	}}
	r := newTestRuntime(runtimeLimits(), fakeSelector{failing, domain.TierInline}, rec, sink)

	ticket, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	res := <-ticket.Result
	assert.Equal(t, domain.StatusFailed, res.Status)

	assert.Equal(t, int64(0), r.Processed())
	succ, fail := rec.counts()
	assert.Zero(t, succ)
	assert.Equal(t, 1, fail)
	assert.Equal(t, 1, sink.failed)
}

func TestTimedOutJobsEmitTimeoutEvent(t *testing.T) {
	sink := &fakeSink{}
	timingOut := &stubStrategy{name: "isolated", execute: func(_ context.Context, job *domain.Job) domain.Result {
		return domain.Result{JobID: job.ID, JobType: job.Type, Strategy: "isolated",
			Status: domain.StatusTimedOut, Err: domain.ErrTimedOut}
	}}
	r := newTestRuntime(runtimeLimits(), fakeSelector{timingOut, domain.TierIsolated}, &fakeRecorder{}, sink)

	ticket, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	res := <-ticket.Result
	assert.True(t, res.TimedOut())
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.timedOut == 1
	})
}

func TestShrinkCeiling(t *testing.T) {
	sink := &fakeSink{}
	r := New(Options{Limits: runtimeLimits(), MinConcurrent: 2},
		fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, sink, testLogger())

	require.Equal(t, 10, r.Ceiling())

	r.shrinkCeiling()
	assert.Equal(t, 7, r.Ceiling())
	r.shrinkCeiling()
	assert.Equal(t, 4, r.Ceiling())
	r.shrinkCeiling()
	assert.Equal(t, 2, r.Ceiling())

	// The floor holds.
	r.shrinkCeiling()
	assert.Equal(t, 2, r.Ceiling())

	assert.Equal(t, []int{7, 4, 2}, sink.ceilings)
}

func TestGrowCeilingOnlyUnderLoad(t *testing.T) {
	limits := runtimeLimits()
	limits.MaxConcurrent = 3

	release := make(chan struct{})
	defer close(release)
	r := New(Options{Limits: limits, MinConcurrent: 1},
		fakeSelector{blockingStrategy("isolated", release), domain.TierIsolated}, &fakeRecorder{}, &fakeSink{}, testLogger())

	r.shrinkCeiling()
	require.Equal(t, 2, r.Ceiling())

	// Idle: no growth.
	r.growCeiling()
	assert.Equal(t, 2, r.Ceiling())

	// Idle at the floor: 0 in flight must not read as near-saturated.
	r.shrinkCeiling()
	require.Equal(t, 1, r.Ceiling())
	r.growCeiling()
	assert.Equal(t, 1, r.Ceiling())
	r.growCeiling()
	assert.Equal(t, 1, r.Ceiling())

	// Loaded close to the ceiling: one slot back per sample.
	_, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	waitFor(t, func() bool { return r.InFlight() == 1 })

	r.growCeiling()
	assert.Equal(t, 2, r.Ceiling())
	r.growCeiling()
	assert.Equal(t, 3, r.Ceiling())

	// The hard cap holds even under load.
	r.growCeiling()
	assert.Equal(t, 3, r.Ceiling())
}

func TestExpireReleasesBookkeeping(t *testing.T) {
	release := make(chan struct{})
	r := newTestRuntime(runtimeLimits(), fakeSelector{blockingStrategy("isolated", release), domain.TierIsolated}, &fakeRecorder{}, &fakeSink{})

	ticket, err := r.Submit(context.Background(), runtimeJob("t"))
	require.NoError(t, err)
	waitFor(t, func() bool { return r.InFlight() == 1 })

	// Watchdog fires: the slot is released even though the job still runs.
	r.expire(ticket.JobID)
	assert.Equal(t, 0, r.InFlight())

	// Settlement after expiry is idempotent.
	close(release)
	res := <-ticket.Result
	assert.True(t, res.Succeeded())
	assert.Equal(t, 0, r.InFlight())
}

func TestSubmitManySequentialInline(t *testing.T) {
	r := newTestRuntime(runtimeLimits(), fakeSelector{succeedingStrategy("inline"), domain.TierInline}, &fakeRecorder{}, &fakeSink{})

	for i := 0; i < 20; i++ {
		ticket, err := r.Submit(context.Background(), runtimeJob("t"))
		require.NoError(t, err)
		res := <-ticket.Result
		require.True(t, res.Succeeded())
	}
	assert.Equal(t, int64(20), r.Processed())
	assert.Equal(t, 0, r.InFlight())
}
