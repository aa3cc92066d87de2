// Package etcd provides the etcd-backed statistics store. Per-type job
// statistics are plain JSON values under a common prefix, expired through
// etcd leases.
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const statsDir = "/runner/stats/"

// NewClient connects to etcd with a dial timeout.
func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// StatsStore implements domain.StatsStore on top of etcd.
type StatsStore struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewStatsStore creates a statistics store backed by the given client.
func NewStatsStore(client *clientv3.Client, logger *slog.Logger) *StatsStore {
	return &StatsStore{
		client: client,
		logger: logger.With("component", "etcd-stats-store"),
		tracer: otel.Tracer("adaptive-runner-etcd-stats-store"),
	}
}

// Get returns the stored value for key and whether it was present.
func (s *StatsStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Get",
		trace.WithAttributes(attribute.String("stats.key", key)))
	defer span.End()

	resp, err := s.client.Get(ctx, path.Join(statsDir, key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "etcd get failed")
		return nil, false, fmt.Errorf("failed to get stats for %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put stores the value under key. A positive ttl attaches a lease so etcd
// expires the key on its own.
func (s *StatsStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Put",
		trace.WithAttributes(attribute.String("stats.key", key)))
	defer span.End()

	opts := []clientv3.OpOption{}
	if ttl > 0 {
		lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "etcd lease grant failed")
			return fmt.Errorf("failed to grant lease for %s: %w", key, err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := s.client.Put(ctx, path.Join(statsDir, key), string(value), opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "etcd put failed")
		return fmt.Errorf("failed to put stats for %s: %w", key, err)
	}
	return nil
}

// Forget removes the key. Deleting an absent key is not an error.
func (s *StatsStore) Forget(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Forget",
		trace.WithAttributes(attribute.String("stats.key", key)))
	defer span.End()

	if _, err := s.client.Delete(ctx, path.Join(statsDir, key)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "etcd delete failed")
		return fmt.Errorf("failed to forget stats for %s: %w", key, err)
	}
	return nil
}
