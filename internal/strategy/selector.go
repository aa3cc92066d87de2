package strategy

import (
	"context"
	"log/slog"

	"adaptive-runner/internal/analyzer"
	"adaptive-runner/internal/domain"
)

// Selector binds the analyzer's tier decision to a concrete strategy
// instance.
type Selector struct {
	analyzer *analyzer.Analyzer
	inline   *Inline
	isolated *Isolated
	logger   *slog.Logger
}

// NewSelector creates a Selector over the two available strategies.
func NewSelector(a *analyzer.Analyzer, inline *Inline, isolated *Isolated, logger *slog.Logger) *Selector {
	return &Selector{
		analyzer: a,
		inline:   inline,
		isolated: isolated,
		logger:   logger.With("component", "strategy-selector"),
	}
}

// Select returns the strategy that will run the job along with the tier
// the analyzer chose. The pooled tier maps onto the isolated strategy
// until a reusable worker pool lands.
func (s *Selector) Select(ctx context.Context, job *domain.Job) (domain.ExecutionStrategy, domain.Tier) {
	tier := s.analyzer.Analyze(ctx, job)
	switch tier {
	case domain.TierInline:
		return s.inline, tier
	default:
		return s.isolated, tier
	}
}
