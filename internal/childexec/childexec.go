// Package childexec is the child-process half of isolated execution. The
// runner binary re-invokes itself with the child flag and a payload file;
// this package decodes the payload, applies the memory limit, reconstructs
// a fresh handler from the registry and runs it. The parent judges the
// outcome purely by the exit code.
package childexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"adaptive-runner/internal/domain"
	"adaptive-runner/internal/handlers"
)

// Flag marks a child-mode invocation: runner <Flag> <payload-file>.
const Flag = "--run-payload"

// Child exit codes. Setup failures are distinguished from handler failures
// so the parent's diagnostics stay honest.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitSetup  = 2
)

// Payload is the plain-data contract between parent and child. Only
// scalars, slices and maps cross the boundary; handler identity is carried
// by Type and resolved against the registry on the child side.
type Payload struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Params         map[string]any `json:"params"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxMemoryMB    int            `json:"max_memory_mb"`
}

// Run executes the payload at path inside the current process and returns
// the process exit code. Callers pass the result straight to os.Exit.
func Run(path string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "childexec")

	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read payload", "error", err)
		return ExitSetup
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Error("failed to decode payload", "error", err)
		return ExitSetup
	}
	if p.Type == "" {
		logger.Error("payload carries no job type")
		return ExitSetup
	}

	if p.MaxMemoryMB > 0 {
		if err := applyAddressSpaceLimit(p.MaxMemoryMB); err != nil {
			logger.Warn("failed to apply hard memory limit", "error", err)
		}
		debug.SetMemoryLimit(int64(p.MaxMemoryMB) << 20)
	}

	h, ok := handlers.New(p.Type)
	if !ok {
		logger.Error("no handler registered for job type", "job_type", p.Type)
		return ExitSetup
	}

	// The parent's kill timer is authoritative; the child deadline is a
	// second layer that lets well-behaved handlers stop cleanly first.
	ctx := context.Background()
	if p.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if err := run(ctx, h, p.Params); err != nil {
		logger.Error("job failed", "job_id", p.ID, "job_type", p.Type, "error", err)
		return ExitFailed
	}
	return ExitOK
}

func run(ctx context.Context, h domain.Handler, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Run(ctx, params)
}
