package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"adaptive-runner/internal/childexec"
	"adaptive-runner/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxStderrBytes bounds how much child stderr is retained for diagnostics.
const maxStderrBytes = 8 << 10

// Isolated runs a job in a dedicated OS subprocess so crashes, hangs and
// memory blowups stay confined there. The subprocess is the runner binary
// re-invoked in child mode with a plain-data payload file.
type Isolated struct {
	limits           domain.Limits
	isolateByDefault bool
	execPath         string
	execArgs         []string
	logger           *slog.Logger
	tracer           trace.Tracer
}

// IsolatedOption customizes the isolated strategy.
type IsolatedOption func(*Isolated)

// WithExecCommand overrides the command used to spawn the child process.
// The payload file path is appended as the final argument.
func WithExecCommand(path string, args ...string) IsolatedOption {
	return func(s *Isolated) {
		s.execPath = path
		s.execArgs = args
	}
}

// NewIsolated creates the isolated strategy. By default the child command
// is the current binary in child mode.
func NewIsolated(limits domain.Limits, isolateByDefault bool, logger *slog.Logger, opts ...IsolatedOption) *Isolated {
	s := &Isolated{
		limits:           limits,
		isolateByDefault: isolateByDefault,
		logger:           logger.With("component", "isolated-strategy"),
		tracer:           otel.Tracer("adaptive-runner-isolated-strategy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.execPath == "" {
		if self, err := os.Executable(); err == nil {
			s.execPath = self
			s.execArgs = []string{childexec.Flag}
		}
	}
	return s
}

func (s *Isolated) Name() string { return "isolated" }

// CanHandle is true when the job requests isolation, or when the runtime
// is configured isolated-by-default and the job does not opt out.
func (s *Isolated) CanHandle(job *domain.Job) bool {
	if job.Isolation == domain.IsolationAlways {
		return true
	}
	return s.isolateByDefault && job.Isolation != domain.IsolationNever
}

// Execute validates, serializes, spawns and supervises the child process.
// Terminal states clean up the timer and the payload file exactly once;
// only a zero exit code resolves as success.
func (s *Isolated) Execute(ctx context.Context, job *domain.Job) domain.Result {
	ctx, span := s.tracer.Start(ctx, "strategy.isolated.Execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
		))
	defer span.End()

	res := domain.Result{JobID: job.ID, JobType: job.Type, Strategy: s.Name()}
	fail := func(err error, status string) domain.Result {
		res.Status = domain.StatusFailed
		res.Err = err
		span.SetStatus(codes.Error, status)
		span.RecordError(err)
		return res
	}

	// Never trust the caller's validation alone.
	if err := job.Validate(s.limits); err != nil {
		return fail(err, "revalidation failed")
	}
	if err := s.checkSourceAllowed(job.SourcePath); err != nil {
		return fail(err, "source location rejected")
	}
	if s.execPath == "" {
		return fail(fmt.Errorf("isolated strategy has no child command configured"), "no child command")
	}

	payload := childexec.Payload{
		ID:             job.ID,
		Type:           job.Type,
		Params:         job.Params,
		TimeoutSeconds: minInt(job.TimeoutSeconds, s.limits.MaxTimeoutSeconds),
		MaxMemoryMB:    minInt(job.MaxMemoryMB, s.limits.MaxMemoryMB),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("failed to serialize job payload: %w", err), "serialization failed")
	}

	// CreateTemp creates the file 0600; the payload never becomes readable
	// to other users.
	f, err := os.CreateTemp("", "runner-job-*.json")
	if err != nil {
		return fail(fmt.Errorf("failed to create payload file: %w", err), "temp file failed")
	}
	payloadPath := f.Name()
	defer os.Remove(payloadPath)
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fail(fmt.Errorf("failed to write payload file: %w", err), "temp file failed")
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("failed to write payload file: %w", err), "temp file failed")
	}

	args := append(append([]string{}, s.execArgs...), payloadPath)
	cmd := exec.Command(s.execPath, args...)
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to spawn job process: %w", err), "spawn failed")
	}
	span.AddEvent("child_spawned", trace.WithAttributes(attribute.Int("child.pid", cmd.Process.Pid)))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.Duration(minInt(job.TimeoutSeconds, s.limits.MaxTimeoutSeconds)) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res.Duration = time.Since(start)
		if err != nil {
			msg := sanitizeMessage(stderr.String())
			if msg == "" {
				msg = sanitizeMessage(err.Error())
			}
			return fail(fmt.Errorf("job process failed: %s", msg), "child failed")
		}
		res.Status = domain.StatusSucceeded
		return res

	case <-timer.C:
		killProcessGroup(cmd)
		<-done
		res.Duration = time.Since(start)
		res.Status = domain.StatusTimedOut
		res.Err = domain.ErrTimedOut
		span.SetStatus(codes.Error, "child killed on timeout")
		s.logger.Warn("isolated job killed on timeout",
			"job_id", job.ID, "job_type", job.Type, "timeout", timeout)
		return res

	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		res.Duration = time.Since(start)
		return fail(fmt.Errorf("job aborted: %w", ctx.Err()), "context cancelled")
	}
}

// checkSourceAllowed enforces the source-path allow-list. An empty list
// allows everything; otherwise the job's defining source must live under
// one of the configured prefixes.
func (s *Isolated) checkSourceAllowed(sourcePath string) error {
	if len(s.limits.AllowedSourcePrefixes) == 0 {
		return nil
	}
	cleaned := filepath.Clean(sourcePath)
	for _, prefix := range s.limits.AllowedSourcePrefixes {
		p := filepath.Clean(prefix)
		if cleaned == p || strings.HasPrefix(cleaned, p+string(filepath.Separator)) {
			return nil
		}
	}
	return &domain.SecurityError{Reason: "job source location is outside the allowed directories"}
}

// cappedBuffer keeps only the first limit bytes written to it.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }

func minInt(a, b int) int {
	if b > 0 && b < a {
		return b
	}
	return a
}
