package queue

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

func testManager(t *testing.T) *Manager {
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
	return NewManager(rdb, zap.NewNop())
}

// join with a short pause so enqueue scores are strictly increasing and
// positions deterministic.
func join(t *testing.T, m *Manager, userID uuid.UUID, st domain.SessionType) {
	t.Helper()
	_, _, _, err := m.Join(context.Background(), userID, uuid.New(), st)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
}

func TestManager_JoinAssignsFIFOPositions(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	join(t, m, u1, domain.SessionTypeVideo)
	join(t, m, u2, domain.SessionTypeVideo)

	pos, size, eta, err := m.Join(ctx, u3, uuid.New(), domain.SessionTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
	assert.Equal(t, int64(3), size)
	assert.Equal(t, 2*defaultMatchInterval, eta)

	pos, size, err = m.Position(ctx, domain.SessionTypeVideo, u1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, int64(3), size)
}

func TestManager_JoinSwitchingTypeMovesEntry(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	user := uuid.New()
	join(t, m, user, domain.SessionTypeVideo)
	join(t, m, user, domain.SessionTypeText)

	// The old membership is gone, not orphaned.
	_, _, err := m.Position(ctx, domain.SessionTypeVideo, user)
	assert.ErrorIs(t, err, ErrNotQueued)

	pos, size, err := m.Position(ctx, domain.SessionTypeText, user)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	assert.Equal(t, int64(1), size)
}

func TestManager_LeaveIsIdempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	user := uuid.New()
	join(t, m, user, domain.SessionTypeAudio)
	require.NoError(t, m.Leave(ctx, user))

	_, _, err := m.Position(ctx, domain.SessionTypeAudio, user)
	assert.ErrorIs(t, err, ErrNotQueued)

	// Leaving again is harmless.
	require.NoError(t, m.Leave(ctx, user))
}

func TestManager_RequeueFrontRestoresRank(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()
	join(t, m, u1, domain.SessionTypeVideo)
	join(t, m, u2, domain.SessionTypeVideo)
	join(t, m, u3, domain.SessionTypeVideo)

	batch, err := m.PeekBatch(ctx, domain.SessionTypeVideo, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	oldest := batch[0]
	require.Equal(t, u1, oldest.UserID)

	require.NoError(t, m.Remove(ctx, domain.SessionTypeVideo, u1))
	require.NoError(t, m.Requeue(ctx, oldest, true))

	// The original enqueue score puts the entry back at the head.
	pos, _, err := m.Position(ctx, domain.SessionTypeVideo, u1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestManager_RequeueBackGetsFreshScore(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	u1, u2 := uuid.New(), uuid.New()
	join(t, m, u1, domain.SessionTypeVideo)
	join(t, m, u2, domain.SessionTypeVideo)

	batch, err := m.PeekBatch(ctx, domain.SessionTypeVideo, 10)
	require.NoError(t, err)
	oldest := batch[0]

	require.NoError(t, m.Remove(ctx, domain.SessionTypeVideo, u1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Requeue(ctx, oldest, false))

	pos, _, err := m.Position(ctx, domain.SessionTypeVideo, u1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}

func TestManager_PeekBatchDropsOrphans(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	u1, u2 := uuid.New(), uuid.New()
	join(t, m, u1, domain.SessionTypeVideo)
	join(t, m, u2, domain.SessionTypeVideo)

	// Simulate a lost entry body.
	require.NoError(t, m.rdb.Del(ctx, entryKey(u1)).Err())

	batch, err := m.PeekBatch(ctx, domain.SessionTypeVideo, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, u2, batch[0].UserID)

	// The orphaned membership was cleaned up in passing.
	size, err := m.rdb.ZCard(ctx, waitingKey(domain.SessionTypeVideo)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestManager_EvictStale(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	old, fresh := uuid.New(), uuid.New()
	join(t, m, old, domain.SessionTypeText)
	join(t, m, fresh, domain.SessionTypeText)

	// Backdate the first entry's score past the cutoff.
	stale := float64(time.Now().Add(-5 * time.Minute).UnixMilli())
	require.NoError(t, m.rdb.ZAdd(ctx, waitingKey(domain.SessionTypeText), redis.Z{
		Score:  stale,
		Member: old.String(),
	}).Err())

	evicted, err := m.EvictStale(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, old, evicted[0].UserID)

	_, _, err = m.Position(ctx, domain.SessionTypeText, old)
	assert.ErrorIs(t, err, ErrNotQueued)
	_, _, err = m.Position(ctx, domain.SessionTypeText, fresh)
	assert.NoError(t, err)
}

func TestManager_EstimateTracksIntervals(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.Equal(t, defaultMatchInterval, m.Estimate(ctx, domain.SessionTypeVideo))

	m.RecordMatchInterval(ctx, domain.SessionTypeVideo, 10*time.Second)
	assert.Equal(t, 10*time.Second, m.Estimate(ctx, domain.SessionTypeVideo))

	// Rolling average damps a single outlier.
	m.RecordMatchInterval(ctx, domain.SessionTypeVideo, 20*time.Second)
	assert.Equal(t, 12*time.Second, m.Estimate(ctx, domain.SessionTypeVideo))
}
