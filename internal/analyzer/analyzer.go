// Package analyzer classifies jobs into execution tiers. The decision
// walks five sources in strict precedence: explicit hints, historical
// statistics, static source analysis, name heuristics, and finally a safe
// default. Recorded outcomes feed back into the historical tier, so
// decisions stabilize as a job type accumulates runs.
package analyzer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"adaptive-runner/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the analyzer's thresholds.
type Config struct {
	// InlineThreshold is the highest average/estimated duration in seconds
	// still routed inline.
	InlineThreshold float64
	// PooledThreshold is the highest duration in seconds routed to the
	// pooled tier; anything above goes to isolated.
	PooledThreshold float64
	// MinSamples is the execution count required before historical data is
	// trusted for routing.
	MinSamples int
	// StatsTTL bounds how long recorded statistics live in the store.
	StatsTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = 1.0
	}
	if c.PooledThreshold <= c.InlineThreshold {
		c.PooledThreshold = 10.0
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = 24 * time.Hour
	}
}

// Analyzer decides the execution tier for jobs lacking an explicit
// isolation decision and records outcomes for learning.
type Analyzer struct {
	store  domain.StatsStore
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates an Analyzer backed by the given statistics store.
func New(store domain.StatsStore, cfg Config, logger *slog.Logger) *Analyzer {
	cfg.withDefaults()
	return &Analyzer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "analyzer"),
		tracer: otel.Tracer("adaptive-runner-analyzer"),
	}
}

// Analyze returns the tier for a job. The first applicable source wins.
func (a *Analyzer) Analyze(ctx context.Context, job *domain.Job) domain.Tier {
	ctx, span := a.tracer.Start(ctx, "analyzer.Analyze",
		trace.WithAttributes(attribute.String("job.type", job.Type)))
	defer span.End()

	tier, source := a.analyze(ctx, job)
	span.SetAttributes(
		attribute.String("analyzer.tier", string(tier)),
		attribute.String("analyzer.source", source),
	)
	a.logger.Debug("job analyzed", "job_type", job.Type, "tier", tier, "source", source)
	return tier
}

func (a *Analyzer) analyze(ctx context.Context, job *domain.Job) (domain.Tier, string) {
	// 1. Explicit hints have absolute precedence.
	switch job.Isolation {
	case domain.IsolationAlways:
		return domain.TierIsolated, "explicit"
	case domain.IsolationNever:
		return domain.TierInline, "explicit"
	}
	if job.EstimatedDuration != nil {
		return a.tierForDuration(*job.EstimatedDuration), "hint"
	}

	// 2. Historical statistics, once trusted.
	if st, ok := a.load(ctx, job.Type); ok && st.Count >= a.cfg.MinSamples {
		return a.tierForDuration(st.AverageDuration()), "history"
	}

	// 3. Static scan of the handler source.
	if score, ok := scanSource(job.SourcePath); ok {
		switch {
		case score == 0:
			return domain.TierInline, "scan"
		case score <= 5:
			return domain.TierPooled, "scan"
		default:
			return domain.TierIsolated, "scan"
		}
	}

	// 4. Name heuristics.
	if tier, ok := tierForName(job.Type); ok {
		return tier, "name"
	}

	// 5. Pooled neither blocks the scheduler nor burns a process per job.
	return domain.TierPooled, "default"
}

func (a *Analyzer) tierForDuration(seconds float64) domain.Tier {
	switch {
	case seconds <= a.cfg.InlineThreshold:
		return domain.TierInline
	case seconds <= a.cfg.PooledThreshold:
		return domain.TierPooled
	default:
		return domain.TierIsolated
	}
}

// RecordExecution updates the persisted statistics for a job type after
// every run, regardless of which tier handled it. The update is
// get-then-put; the store is not assumed to increment atomically.
func (a *Analyzer) RecordExecution(ctx context.Context, jobType string, duration time.Duration, success bool) error {
	ctx, span := a.tracer.Start(ctx, "analyzer.RecordExecution",
		trace.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.Bool("job.success", success),
		))
	defer span.End()

	st, _ := a.load(ctx, jobType)
	st.Count++
	st.TotalDurationSeconds += duration.Seconds()
	if !success {
		st.Failures++
	}
	st.UpdatedAt = time.Now()

	raw, err := json.Marshal(st)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := a.store.Put(ctx, jobType, raw, a.cfg.StatsTTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job statistics")
		return err
	}
	return nil
}

// Snapshot is a read-only view of one job type's statistics.
type Snapshot struct {
	JobType         string      `json:"job_type"`
	Count           int         `json:"count"`
	AverageDuration float64     `json:"average_duration_seconds"`
	FailureRate     float64     `json:"failure_rate"`
	RecommendedTier domain.Tier `json:"recommended_tier"`
}

// Stats returns the snapshot for a job type. Absence of data yields a zero
// snapshot and ok=false, not an error.
func (a *Analyzer) Stats(ctx context.Context, jobType string) (Snapshot, bool) {
	st, ok := a.load(ctx, jobType)
	if !ok || st.Count == 0 {
		return Snapshot{JobType: jobType}, false
	}
	return Snapshot{
		JobType:         jobType,
		Count:           st.Count,
		AverageDuration: st.AverageDuration(),
		FailureRate:     st.FailureRate(),
		RecommendedTier: a.tierForDuration(st.AverageDuration()),
	}, true
}

// ClearStats drops the recorded history for a job type; the next recorded
// execution starts from count=1.
func (a *Analyzer) ClearStats(ctx context.Context, jobType string) error {
	return a.store.Forget(ctx, jobType)
}

func (a *Analyzer) load(ctx context.Context, jobType string) (domain.JobStatistics, bool) {
	var st domain.JobStatistics
	raw, ok, err := a.store.Get(ctx, jobType)
	if err != nil {
		a.logger.Warn("failed to read job statistics", "job_type", jobType, "error", err)
		return st, false
	}
	if !ok {
		return st, false
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		a.logger.Warn("discarding corrupt job statistics", "job_type", jobType, "error", err)
		return domain.JobStatistics{}, false
	}
	return st, true
}
