package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestLocker_AcquireAndRelease(t *testing.T) {
	locker := NewLocker(testRedis(t))
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Held lock rejects a second acquirer.
	_, ok, err = locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := locker.Release(ctx, "lock:test", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Free again after release.
	_, ok, err = locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_ReleaseWithStaleToken(t *testing.T) {
	locker := NewLocker(testRedis(t))
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := locker.Release(ctx, "lock:test", "not-the-token")
	require.NoError(t, err)
	assert.False(t, released)

	// The rightful holder can still release.
	released, err = locker.Release(ctx, "lock:test", token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLocker_ExpiredLockIsReclaimable(t *testing.T) {
	locker := NewLocker(testRedis(t))
	ctx := context.Background()

	staleToken, ok, err := locker.Acquire(ctx, "lock:test", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok, err = locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The crashed holder's late release must not free the new owner's lock.
	released, err := locker.Release(ctx, "lock:test", staleToken)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLocker_WithLock(t *testing.T) {
	locker := NewLocker(testRedis(t))
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "lock:test", time.Second, func(ctx context.Context) error {
		ran = true
		// Re-entry from another holder fails while fn runs.
		_, ok, err := locker.Acquire(ctx, "lock:test", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// Released on return.
	_, ok, err := locker.Acquire(ctx, "lock:test", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_WithLockContention(t *testing.T) {
	locker := NewLocker(testRedis(t))
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "lock:test", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = locker.WithLock(ctx, "lock:test", time.Second, func(ctx context.Context) error {
		t.Fatal("must not run under contention")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
}
