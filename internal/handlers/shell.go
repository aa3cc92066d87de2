package handlers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ShellHandler runs a shell command taken from the job params. Commands
// inherit the caller's context, so a cancelled context stops the command.
type ShellHandler struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// NewShellHandler creates a handler for the "shell.command" job type.
func NewShellHandler(logger *slog.Logger) *ShellHandler {
	return &ShellHandler{
		logger: logger.With("handler", "shell.command"),
		tracer: otel.Tracer("adaptive-runner-shell-handler"),
	}
}

// Run executes params["command"] through `sh -c`.
func (h *ShellHandler) Run(ctx context.Context, params map[string]any) error {
	command, _ := params["command"].(string)
	if command == "" {
		return fmt.Errorf("shell.command requires a non-empty \"command\" param")
	}

	ctx, span := h.tracer.Start(ctx, "handler.shell.Run",
		trace.WithAttributes(attribute.String("shell.command", command)))
	defer span.End()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		if s := stderr.String(); s != "" {
			return fmt.Errorf("shell command failed: %w: %s", err, s)
		}
		return fmt.Errorf("shell command failed: %w", err)
	}

	h.logger.Debug("shell command finished", "bytes_out", stdout.Len())
	return nil
}
