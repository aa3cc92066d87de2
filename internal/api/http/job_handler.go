// Package http is the runner's submission surface: a thin layer that
// validates DTOs and maps runtime errors onto status codes. The job source
// proper remains an external concern; this is the reference source wired
// into the binary.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"adaptive-runner/internal/analyzer"
	"adaptive-runner/internal/domain"
	"adaptive-runner/internal/handlers"
	"adaptive-runner/internal/metrics"
	rt "adaptive-runner/internal/runtime"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobHandler serves job submission and statistics endpoints.
type JobHandler struct {
	runtime  *rt.Runtime
	analyzer *analyzer.Analyzer
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewJobHandler creates a JobHandler and its request validator.
func NewJobHandler(runtime *rt.Runtime, a *analyzer.Analyzer, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		runtime:  runtime,
		analyzer: a,
		validate: validator.New(),
		logger:   logger.With("component", "job-handler"),
		tracer:   otel.Tracer("adaptive-runner-api"),
	}
}

type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes mounts the API on mux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/jobs", h.instrument("/jobs", http.HandlerFunc(h.handleSubmit)))
	mux.Handle("/jobs/stats", h.instrument("/jobs/stats", http.HandlerFunc(h.handleStats)))
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

func (h *JobHandler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	})
}

// handleSubmit admits one job and acknowledges with 202. Admission
// rejections come back synchronously; the execution outcome is observable
// through stats, metrics and logs.
func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid field "+verrs[0].Field())
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid request")
		return
	}

	job := req.ToDomainJob()
	if handler, ok := handlers.New(job.Type); ok {
		job.Handler = handler
	} else {
		writeError(w, http.StatusUnprocessableEntity, "unknown job type "+job.Type)
		return
	}

	ticket, err := h.runtime.Submit(r.Context(), job)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:    ticket.JobID,
		Strategy: ticket.Strategy,
		Tier:     string(ticket.Tier),
	})
}

// writeSubmitError maps the runtime error taxonomy onto status codes.
func (h *JobHandler) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var serr *domain.SecurityError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusForbidden, serr.Error())
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded):
		metrics.AdmissionRejections.WithLabelValues("concurrency").Inc()
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrRateLimitExceeded):
		metrics.AdmissionRejections.WithLabelValues("rate").Inc()
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("job submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleStats returns the analyzer's snapshot for ?type=. No recorded data
// is a defined empty snapshot, not an error.
func (h *JobHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobType := r.URL.Query().Get("type")
	if jobType == "" {
		writeError(w, http.StatusBadRequest, "missing \"type\" query parameter")
		return
	}
	snapshot, _ := h.analyzer.Stats(r.Context(), jobType)
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *JobHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": h.runtime.InFlight(),
		"ceiling":   h.runtime.Ceiling(),
		"processed": h.runtime.Processed(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
