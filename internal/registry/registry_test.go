package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func TestRegistry_RegisterAndSnapshot(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	first := New(rdb, "alpha", time.Minute, zap.NewNop())
	second := New(rdb, "beta", time.Minute, zap.NewNop())

	require.NoError(t, first.Register(ctx))
	require.NoError(t, second.Register(ctx))
	require.NoError(t, second.Heartbeat(ctx, 7))

	records, err := first.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].InstanceID)
	assert.Equal(t, "beta", records[1].InstanceID)
	assert.Equal(t, 7, records[1].ConnectionCount)
	assert.True(t, records[0].Healthy)
}

func TestRegistry_DeregisterRemovesRecord(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	reg := New(rdb, "alpha", time.Minute, zap.NewNop())
	require.NoError(t, reg.Register(ctx))
	require.NoError(t, reg.Deregister(ctx))

	records, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// A crashed instance stops heartbeating and its record must age out on its
// own.
func TestRegistry_CrashedInstanceAgesOut(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()

	reg := New(rdb, "alpha", 100*time.Millisecond, zap.NewNop())
	require.NoError(t, reg.Register(ctx))

	time.Sleep(150 * time.Millisecond)

	records, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
