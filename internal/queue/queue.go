package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-service/internal/domain"
)

var ErrNotQueued = errors.New("user is not queued")

const (
	waitingKeyPrefix  = "queue:waiting:"
	entryKeyPrefix    = "queue:entry:"
	intervalKeyPrefix = "queue:stats:match_interval_ms:"

	// Fallback wait estimate before any match has been recorded.
	defaultMatchInterval = 15 * time.Second
)

func waitingKey(t domain.SessionType) string {
	return waitingKeyPrefix + string(t)
}

func entryKey(userID uuid.UUID) string {
	return entryKeyPrefix + userID.String()
}

// Manager keeps one FIFO waiting list per session type in the shared store.
// Each list is a sorted set scored by enqueue time; the entry body lives
// under a per-user key, which is also what enforces at most one queue
// membership per user across all types.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewManager(rdb *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger}
}

// Join upserts the user's queue entry and returns their position (count of
// older live entries), the queue size, and a wait estimate. Joining a new
// type removes any existing entry for another type in the same transaction.
func (m *Manager) Join(ctx context.Context, userID, connectionID uuid.UUID, t domain.SessionType) (int64, int64, time.Duration, error) {
	entry := domain.QueueEntry{
		UserID:       userID,
		ConnectionID: connectionID,
		Type:         t,
		EnqueuedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("marshal queue entry: %w", err)
	}

	prev, err := m.entry(ctx, userID)
	if err != nil {
		return 0, 0, 0, err
	}

	pipe := m.rdb.TxPipeline()
	if prev != nil && prev.Type != t {
		pipe.ZRem(ctx, waitingKey(prev.Type), userID.String())
	}
	pipe.Set(ctx, entryKey(userID), data, 0)
	pipe.ZAdd(ctx, waitingKey(t), redis.Z{
		Score:  float64(entry.EnqueuedAt.UnixMilli()),
		Member: userID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("join queue %s: %w", t, err)
	}

	pos, size, err := m.Position(ctx, t, userID)
	if err != nil {
		return 0, 0, 0, err
	}
	eta := m.Estimate(ctx, t) * time.Duration(pos)
	return pos, size, eta, nil
}

// Leave removes the user's entry wherever it is. Idempotent: leaving while
// not queued is a no-op.
func (m *Manager) Leave(ctx context.Context, userID uuid.UUID) error {
	entry, err := m.entry(ctx, userID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	return m.Remove(ctx, entry.Type, userID)
}

// Remove deletes the entry and its waiting-list membership. Used by Leave
// and by the pairing engine under the type lock.
func (m *Manager) Remove(ctx context.Context, t domain.SessionType, userID uuid.UUID) error {
	pipe := m.rdb.TxPipeline()
	pipe.ZRem(ctx, waitingKey(t), userID.String())
	pipe.Del(ctx, entryKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove queue entry %s: %w", userID, err)
	}
	return nil
}

// Requeue puts a still-valid entry back after a partial pairing failure.
// Re-adding with the original enqueue score restores the entry's exact
// former rank, which is how front-of-queue placement is preserved; with
// front=false the entry gets a fresh score and goes to the back.
func (m *Manager) Requeue(ctx context.Context, entry domain.QueueEntry, front bool) error {
	if !front {
		entry.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, entryKey(entry.UserID), data, 0)
	pipe.ZAdd(ctx, waitingKey(entry.Type), redis.Z{
		Score:  float64(entry.EnqueuedAt.UnixMilli()),
		Member: entry.UserID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", entry.UserID, err)
	}
	return nil
}

// PeekBatch returns up to n oldest entries for the type, in enqueue order.
// Orphaned waiting-list members whose entry body is gone are dropped from
// the list as they are encountered.
func (m *Manager) PeekBatch(ctx context.Context, t domain.SessionType, n int64) ([]domain.QueueEntry, error) {
	members, err := m.rdb.ZRange(ctx, waitingKey(t), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("peek queue %s: %w", t, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = entryKeyPrefix + member
	}
	values, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}

	entries := make([]domain.QueueEntry, 0, len(members))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			m.rdb.ZRem(ctx, waitingKey(t), members[i])
			continue
		}
		var entry domain.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Warn("dropping undecodable queue entry",
				zap.String("member", members[i]), zap.Error(err))
			m.rdb.ZRem(ctx, waitingKey(t), members[i])
			continue
		}
		if entry.Type != t {
			// The user re-joined another type; this membership is stale.
			m.rdb.ZRem(ctx, waitingKey(t), members[i])
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Position returns the user's rank and the queue size for the type.
func (m *Manager) Position(ctx context.Context, t domain.SessionType, userID uuid.UUID) (int64, int64, error) {
	pos, err := m.rdb.ZRank(ctx, waitingKey(t), userID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, ErrNotQueued
		}
		return 0, 0, fmt.Errorf("rank in queue %s: %w", t, err)
	}
	size, err := m.rdb.ZCard(ctx, waitingKey(t)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("size of queue %s: %w", t, err)
	}
	return pos, size, nil
}

// Sizes returns per-type queue sizes for telemetry.
func (m *Manager) Sizes(ctx context.Context) (map[domain.SessionType]int64, error) {
	sizes := make(map[domain.SessionType]int64, 3)
	for _, t := range []domain.SessionType{domain.SessionTypeVideo, domain.SessionTypeAudio, domain.SessionTypeText} {
		n, err := m.rdb.ZCard(ctx, waitingKey(t)).Result()
		if err != nil {
			return nil, fmt.Errorf("size of queue %s: %w", t, err)
		}
		sizes[t] = n
	}
	return sizes, nil
}

// EvictStale removes entries older than maxAge across all types and returns
// them so still-connected users can be told their search timed out.
func (m *Manager) EvictStale(ctx context.Context, maxAge time.Duration) ([]domain.QueueEntry, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	var evicted []domain.QueueEntry
	for _, t := range []domain.SessionType{domain.SessionTypeVideo, domain.SessionTypeAudio, domain.SessionTypeText} {
		members, err := m.rdb.ZRangeByScore(ctx, waitingKey(t), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", cutoff),
		}).Result()
		if err != nil {
			return evicted, fmt.Errorf("scan stale entries %s: %w", t, err)
		}
		for _, member := range members {
			userID, err := uuid.Parse(member)
			if err != nil {
				m.rdb.ZRem(ctx, waitingKey(t), member)
				continue
			}
			entry, err := m.entry(ctx, userID)
			if err != nil {
				return evicted, err
			}
			if err := m.Remove(ctx, t, userID); err != nil {
				return evicted, err
			}
			if entry != nil {
				evicted = append(evicted, *entry)
			}
		}
	}
	return evicted, nil
}

// RecordMatchInterval folds an observed time-between-matches into the
// rolling average used for wait estimates.
func (m *Manager) RecordMatchInterval(ctx context.Context, t domain.SessionType, interval time.Duration) {
	key := intervalKeyPrefix + string(t)
	prev, err := m.rdb.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}
	next := interval.Milliseconds()
	if prev > 0 {
		next = (prev*4 + next) / 5
	}
	if err := m.rdb.Set(ctx, key, next, 0).Err(); err != nil {
		m.logger.Warn("failed to record match interval", zap.Error(err))
	}
}

// Estimate returns the rolling average match interval for the type.
func (m *Manager) Estimate(ctx context.Context, t domain.SessionType) time.Duration {
	ms, err := m.rdb.Get(ctx, intervalKeyPrefix+string(t)).Int64()
	if err != nil || ms <= 0 {
		return defaultMatchInterval
	}
	return time.Duration(ms) * time.Millisecond
}

func (m *Manager) entry(ctx context.Context, userID uuid.UUID) (*domain.QueueEntry, error) {
	raw, err := m.rdb.Get(ctx, entryKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue entry %s: %w", userID, err)
	}
	var entry domain.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode queue entry %s: %w", userID, err)
	}
	return &entry, nil
}
