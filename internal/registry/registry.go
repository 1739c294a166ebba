package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-service/internal/domain"
)

const instanceKeyPrefix = "instance:"

// Registry tracks the live service instances in Redis. Each instance
// refreshes its own TTL'd record so crashed peers age out without any
// coordination.
type Registry struct {
	rdb        *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger
}

func New(rdb *redis.Client, instanceID string, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, instanceID: instanceID, ttl: ttl, logger: logger}
}

func instanceKey(id string) string {
	return instanceKeyPrefix + id
}

// Register writes this instance's record for the first time.
func (r *Registry) Register(ctx context.Context) error {
	return r.write(ctx, 0)
}

// Heartbeat refreshes the record and TTL with the current connection count.
func (r *Registry) Heartbeat(ctx context.Context, connectionCount int) error {
	return r.write(ctx, connectionCount)
}

func (r *Registry) write(ctx context.Context, connectionCount int) error {
	rec := domain.InstanceRecord{
		InstanceID:      r.instanceID,
		ConnectionCount: connectionCount,
		Healthy:         true,
		LastHeartbeat:   time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	if err := r.rdb.Set(ctx, instanceKey(r.instanceID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("write instance record: %w", err)
	}
	return nil
}

// Deregister removes the record immediately on clean shutdown.
func (r *Registry) Deregister(ctx context.Context) error {
	return r.rdb.Del(ctx, instanceKey(r.instanceID)).Err()
}

// Snapshot lists every instance still within its TTL, ordered by id.
func (r *Registry) Snapshot(ctx context.Context) ([]domain.InstanceRecord, error) {
	var records []domain.InstanceRecord
	iter := r.rdb.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("load instance record %s: %w", iter.Val(), err)
		}
		var rec domain.InstanceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Warn("skipping malformed instance record", zap.String("key", iter.Val()))
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan instance records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].InstanceID < records[j].InstanceID
	})
	return records, nil
}

// Run refreshes the heartbeat until the context is cancelled.
// connectionCount is sampled on every beat.
func (r *Registry) Run(ctx context.Context, interval time.Duration, connectionCount func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, connectionCount()); err != nil {
				r.logger.Warn("instance heartbeat failed", zap.Error(err))
			}
		}
	}
}
