package bus

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

	"match-service/internal/domain"
)

func testRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisBroker_InstanceChannelRouting(t *testing.T) {
	rdb := testRedis(t)
	broker := NewRedisBroker(rdb, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mine, err := broker.Subscribe(ctx, InstanceChannel("alpha"))
	require.NoError(t, err)
	other, err := broker.Subscribe(ctx, InstanceChannel("beta"))
	require.NoError(t, err)

	userID := uuid.New().String()
	msg := Message{
		TargetUserID: userID,
		SourceID:     "beta",
		Event:        domain.MustEvent(domain.EventMatchFound, domain.MatchFoundPayload{SessionID: uuid.New().String()}),
	}
	require.NoError(t, broker.Publish(ctx, InstanceChannel("alpha"), msg))

	select {
	case got := <-mine:
		assert.Equal(t, userID, got.TargetUserID)
		assert.Equal(t, domain.EventMatchFound, got.Event.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	// The other instance's inbox stays quiet.
	select {
	case got := <-other:
		t.Fatalf("unexpected message on other inbox: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBroker_SubscribeEndsWithContext(t *testing.T) {
	rdb := testRedis(t)
	broker := NewRedisBroker(rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := broker.Subscribe(ctx, PresenceChannel)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-msgs:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel did not close on cancel")
	}
}
