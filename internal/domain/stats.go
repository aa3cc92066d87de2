package domain

import (
	"context"
	"time"
)

// JobStatistics is the learned execution history for one job type.
// Count and cumulative duration only increase until explicitly cleared.
type JobStatistics struct {
	Count                int       `json:"count"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	Failures             int       `json:"failures"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AverageDuration returns the running mean in seconds, zero when empty.
func (s JobStatistics) AverageDuration() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDurationSeconds / float64(s.Count)
}

// FailureRate returns failures/count, zero when empty.
func (s JobStatistics) FailureRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Count)
}

// StatsStore is the external key-value collaborator that persists
// per-job-type statistics. Any store with optional expiry satisfies it.
// Updates are get-then-put; no atomic increment is assumed.
type StatsStore interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the value, expiring it after ttl when ttl > 0.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Forget removes the key. Removing an absent key is not an error.
	Forget(ctx context.Context, key string) error
}
