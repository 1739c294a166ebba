package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-service/internal/bus"
	"match-service/internal/domain"
)

const keyPrefix = "presence:user:"

func presenceKey(userID uuid.UUID) string {
	return keyPrefix + userID.String()
}

// Tracker maintains one TTL'd liveness record per connected user in the
// shared store. A missing record means offline. Every change is published on
// the bus so the instance holding a partner's socket can react.
type Tracker struct {
	rdb        *redis.Client
	broker     bus.Broker
	ttl        time.Duration
	instanceID string
	logger     *zap.Logger
}

func NewTracker(rdb *redis.Client, broker bus.Broker, ttl time.Duration, instanceID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		rdb:        rdb,
		broker:     broker,
		ttl:        ttl,
		instanceID: instanceID,
		logger:     logger,
	}
}

// SetOnline writes a fresh record for a newly authenticated connection.
func (t *Tracker) SetOnline(ctx context.Context, userID, connectionID uuid.UUID, displayName string) error {
	rec := domain.PresenceRecord{
		UserID:       userID,
		Status:       domain.PresenceStatusOnline,
		ConnectionID: connectionID,
		InstanceID:   t.instanceID,
		DisplayName:  displayName,
		LastSeen:     time.Now().UTC(),
	}
	if err := t.write(ctx, &rec); err != nil {
		return err
	}
	t.publish(ctx, userID, domain.PresenceStatusOnline)
	return nil
}

// SetStatus transitions an online user's status (online <-> in_call, away).
// No-op for users without a live record.
func (t *Tracker) SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	rec, err := t.Status(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.Status = status
	rec.LastSeen = time.Now().UTC()
	if err := t.write(ctx, rec); err != nil {
		return err
	}
	t.publish(ctx, userID, status)
	return nil
}

// offlineScript deletes the record only while it still belongs to the given
// connection, so a stale connection's teardown cannot erase the record a
// reconnect just wrote.
var offlineScript = redis.NewScript(`
local rec = redis.call("GET", KEYS[1])
if rec and string.find(rec, ARGV[1], 1, true) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SetOffline removes the record if connectionID still owns it. Returns
// whether a record was removed; a newer connection's record is left alone.
func (t *Tracker) SetOffline(ctx context.Context, userID, connectionID uuid.UUID) (bool, error) {
	n, err := offlineScript.Run(ctx, t.rdb, []string{presenceKey(userID)}, connectionID.String()).Int()
	if err != nil {
		return false, fmt.Errorf("delete presence %s: %w", userID, err)
	}
	if n == 0 {
		return false, nil
	}
	t.publish(ctx, userID, "")
	return true, nil
}

// Heartbeat refreshes the record's TTL and last-seen stamp. A record that
// expired between beats is rewritten from the connection's state, since the
// socket is demonstrably still alive. Beats from a superseded connection are
// dropped.
func (t *Tracker) Heartbeat(ctx context.Context, userID, connectionID uuid.UUID, displayName string) error {
	rec, err := t.Status(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return t.SetOnline(ctx, userID, connectionID, displayName)
	}
	if rec.ConnectionID != connectionID {
		return nil
	}
	rec.LastSeen = time.Now().UTC()
	return t.write(ctx, rec)
}

// Status returns the live record, or nil for offline users.
func (t *Tracker) Status(ctx context.Context, userID uuid.UUID) (*domain.PresenceRecord, error) {
	raw, err := t.rdb.Get(ctx, presenceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load presence %s: %w", userID, err)
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode presence %s: %w", userID, err)
	}
	return &rec, nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := t.rdb.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence %s: %w", userID, err)
	}
	return n > 0, nil
}

// OnlineCount counts live presence records across all instances.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("scan presence keys: %w", err)
		}
		count += int64(len(keys))
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (t *Tracker) write(ctx context.Context, rec *domain.PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := t.rdb.Set(ctx, presenceKey(rec.UserID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("write presence %s: %w", rec.UserID, err)
	}
	return nil
}

func (t *Tracker) publish(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) {
	if t.broker == nil {
		return
	}
	statusStr := "offline"
	if status != "" {
		statusStr = string(status)
	}
	ev, err := domain.NewEvent(domain.EventPresenceChanged, domain.PresenceChangedPayload{
		UserID: userID.String(),
		Status: statusStr,
	})
	if err != nil {
		t.logger.Error("failed to build presence event", zap.Error(err))
		return
	}
	if err := t.broker.Publish(ctx, bus.PresenceChannel, bus.Message{
		TargetUserID: userID.String(),
		SourceID:     t.instanceID,
		Event:        ev,
	}); err != nil {
		t.logger.Warn("failed to broadcast presence change",
			zap.String("userId", userID.String()), zap.Error(err))
	}
}
