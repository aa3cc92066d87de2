package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPRequestHandler performs a single HTTP request described by the job
// params: "url" (required), "method" (default GET).
type HTTPRequestHandler struct {
	client *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHTTPRequestHandler creates a handler for the "http.request" job type.
func NewHTTPRequestHandler(logger *slog.Logger) *HTTPRequestHandler {
	return &HTTPRequestHandler{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("handler", "http.request"),
		tracer: otel.Tracer("adaptive-runner-http-handler"),
	}
}

func (h *HTTPRequestHandler) Run(ctx context.Context, params map[string]any) error {
	url, _ := params["url"].(string)
	if url == "" {
		return fmt.Errorf("http.request requires a non-empty \"url\" param")
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	ctx, span := h.tracer.Start(ctx, "handler.http.Run",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
		))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "http request failed")
		span.RecordError(err)
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded slice of the body so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
		return fmt.Errorf("http request returned %s", resp.Status)
	}

	h.logger.Debug("http request finished", "status", resp.StatusCode)
	return nil
}
