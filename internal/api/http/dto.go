package http

import (
	"adaptive-runner/internal/domain"

	"github.com/google/uuid"
)

// SubmitJobRequest is the DTO for dispatching a job.
type SubmitJobRequest struct {
	Type   string         `json:"type" validate:"required,min=1,max=128"`
	Params map[string]any `json:"params"`

	TimeoutSeconds int `json:"timeout_seconds" validate:"gte=1"`
	MaxMemoryMB    int `json:"max_memory_mb" validate:"gte=1"`
	Priority       int `json:"priority" validate:"gte=-100,lte=100"`

	// Isolated is tri-state: omitted leaves the decision to the analyzer.
	Isolated *bool `json:"isolated,omitempty"`

	EstimatedDurationSeconds *float64 `json:"estimated_duration_seconds,omitempty" validate:"omitempty,gt=0"`
	SourcePath               string   `json:"source_path,omitempty"`
}

// ToDomainJob converts the DTO to a domain.Job. The handler body is
// attached later from the registry.
func (r *SubmitJobRequest) ToDomainJob() *domain.Job {
	isolation := domain.IsolationUnset
	if r.Isolated != nil {
		if *r.Isolated {
			isolation = domain.IsolationAlways
		} else {
			isolation = domain.IsolationNever
		}
	}
	return &domain.Job{
		ID:                uuid.NewString(),
		Type:              r.Type,
		Params:            r.Params,
		TimeoutSeconds:    r.TimeoutSeconds,
		MaxMemoryMB:       r.MaxMemoryMB,
		Isolation:         isolation,
		Priority:          r.Priority,
		EstimatedDuration: r.EstimatedDurationSeconds,
		SourcePath:        r.SourcePath,
	}
}

// SubmitJobResponse acknowledges an admitted dispatch.
type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	Strategy string `json:"strategy"`
	Tier     string `json:"tier"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
