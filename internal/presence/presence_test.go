package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"match-service/internal/bus"
	"match-service/internal/domain"
)

func testRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func TestTracker_OnlineLifecycle(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, time.Minute, "instance-1", zap.NewNop())
	ctx := context.Background()

	user, conn := uuid.New(), uuid.New()

	online, err := tracker.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tracker.SetOnline(ctx, user, conn, "mallard"))

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PresenceStatusOnline, rec.Status)
	assert.Equal(t, conn, rec.ConnectionID)
	assert.Equal(t, "instance-1", rec.InstanceID)
	assert.Equal(t, "mallard", rec.DisplayName)

	removed, err := tracker.SetOffline(ctx, user, conn)
	require.NoError(t, err)
	assert.True(t, removed)
	online, err = tracker.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	// Offline again is a no-op.
	removed, err = tracker.SetOffline(ctx, user, conn)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTracker_SetOfflineIgnoresSupersededConnection(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, time.Minute, "instance-1", zap.NewNop())
	ctx := context.Background()

	user, oldConn, newConn := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, oldConn, "gull"))
	require.NoError(t, tracker.SetOnline(ctx, user, newConn, "gull"))

	// The replaced connection's teardown must not erase the fresh record.
	removed, err := tracker.SetOffline(ctx, user, oldConn)
	require.NoError(t, err)
	assert.False(t, removed)

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, newConn, rec.ConnectionID)
}

func TestTracker_SetStatus(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, time.Minute, "instance-1", zap.NewNop())
	ctx := context.Background()

	user := uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, uuid.New(), ""))
	require.NoError(t, tracker.SetStatus(ctx, user, domain.PresenceStatusInCall))

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.PresenceStatusInCall, rec.Status)

	// No record means nothing to transition.
	require.NoError(t, tracker.SetStatus(ctx, uuid.New(), domain.PresenceStatusAway))
}

func TestTracker_RecordExpiresWithoutHeartbeat(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, 100*time.Millisecond, "instance-1", zap.NewNop())
	ctx := context.Background()

	user, conn := uuid.New(), uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, conn, ""))

	// Heartbeats keep it alive past the original TTL.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, tracker.Heartbeat(ctx, user, conn, ""))
	time.Sleep(60 * time.Millisecond)
	online, err := tracker.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	// Silence lets the record age out.
	time.Sleep(150 * time.Millisecond)
	online, err = tracker.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTracker_HeartbeatRevivesExpiredRecord(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, 100*time.Millisecond, "instance-1", zap.NewNop())
	ctx := context.Background()

	user, conn := uuid.New(), uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, conn, "heron"))

	// The record aged out while the socket stayed up; the next beat must
	// bring the user back rather than leave them offline for good.
	time.Sleep(150 * time.Millisecond)
	online, err := tracker.IsOnline(ctx, user)
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, tracker.Heartbeat(ctx, user, conn, "heron"))

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, conn, rec.ConnectionID)
	assert.Equal(t, "heron", rec.DisplayName)
	assert.Equal(t, domain.PresenceStatusOnline, rec.Status)
}

func TestTracker_HeartbeatIgnoresSupersededConnection(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, time.Minute, "instance-1", zap.NewNop())
	ctx := context.Background()

	user, oldConn, newConn := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, newConn, "tern"))

	require.NoError(t, tracker.Heartbeat(ctx, user, oldConn, "tern"))

	rec, err := tracker.Status(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, newConn, rec.ConnectionID)
}

func TestTracker_OnlineCount(t *testing.T) {
	tracker := NewTracker(testRedis(t), nil, time.Minute, "instance-1", zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.SetOnline(ctx, uuid.New(), uuid.New(), ""))
	}

	count, err := tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestTracker_PublishesChanges(t *testing.T) {
	rdb := testRedis(t)
	broker := bus.NewRedisBroker(rdb, zap.NewNop())
	tracker := NewTracker(rdb, broker, time.Minute, "instance-1", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := broker.Subscribe(ctx, bus.PresenceChannel)
	require.NoError(t, err)

	user := uuid.New()
	require.NoError(t, tracker.SetOnline(ctx, user, uuid.New(), ""))

	select {
	case msg := <-msgs:
		assert.Equal(t, user.String(), msg.TargetUserID)
		assert.Equal(t, "instance-1", msg.SourceID)
		assert.Equal(t, domain.EventPresenceChanged, msg.Event.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for presence event")
	}
}
