package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"match-service/internal/bus"
	"match-service/internal/client"
	"match-service/internal/domain"
	"match-service/internal/lock"
	"match-service/internal/presence"
	"match-service/internal/queue"
	"match-service/internal/session"
)

// stubUsers treats the token as the user id, so tests dial as whoever they
// want without an auth service.
type stubUsers struct{}

func (stubUsers) ValidateToken(ctx context.Context, token string) (*client.TokenValidationResponse, error) {
	return &client.TokenValidationResponse{UserID: token, Valid: true}, nil
}

func (stubUsers) GetUserInfo(ctx context.Context, userID, token string) (*client.UserInfo, error) {
	return &client.UserInfo{UserID: userID, NickName: "u-" + userID[:8]}, nil
}

// nullRepo drops durable writes; relay tests only care about live state.
type nullRepo struct{}

func (nullRepo) Save(ctx context.Context, record *domain.SessionRecord) error {
	return nil
}

func (nullRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	return nil, session.ErrNotFound
}

func (nullRepo) FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.SessionRecord, error) {
	return nil, nil
}

type relayHarness struct {
	sessions *session.Manager
	presence *presence.Tracker
	srv      *httptest.Server
}

func newRelayHarness(t *testing.T) *relayHarness {
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

	logger := zap.NewNop()
	broker := bus.NewRedisBroker(rdb, logger)
	locker := lock.NewLocker(rdb)
	queueManager := queue.NewManager(rdb, logger)
	sessions := session.NewManager(rdb, locker, nullRepo{}, logger)
	t.Cleanup(sessions.Close)
	tracker := presence.NewTracker(rdb, broker, time.Minute, "instance-test", logger)

	hub := NewHub(logger)
	relay := NewRelay(hub, broker, queueManager, sessions, tracker, stubUsers{},
		"instance-test", 10*time.Second, time.Minute, logger)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", relay.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &relayHarness{sessions: sessions, presence: tracker, srv: srv}
}

func (h *relayHarness) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitOnline blocks until the presence record lands; the upgrade response
// races the SetOnline write.
func (h *relayHarness) waitOnline(t *testing.T, userID uuid.UUID) {
	require.Eventually(t, func() bool {
		online, err := h.presence.IsOnline(context.Background(), userID)
		return err == nil && online
	}, 2*time.Second, 20*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestRelay_RefusesRelayWithoutSession(t *testing.T) {
	h := newRelayHarness(t)
	conn := h.dial(t, uuid.New())

	require.NoError(t, conn.WriteJSON(
		domain.MustEvent(domain.EventChatMessage, domain.ChatMessagePayload{Text: "hi"})))

	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventError, ev.Type)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "NO_ACTIVE_SESSION", payload.Code)
}

func TestRelay_DisconnectEndsSessionAndNotifiesPartner(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	connA := h.dial(t, a)
	connB := h.dial(t, b)
	h.waitOnline(t, a)
	h.waitOnline(t, b)

	s, err := h.sessions.Create(ctx, domain.SessionTypeText, a, b)
	require.NoError(t, err)

	require.NoError(t, connA.Close())

	ev := readEvent(t, connB)
	assert.Equal(t, domain.EventPartnerDisconnected, ev.Type)
	var payload domain.PartnerDisconnectedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, string(domain.EndReasonDisconnect), payload.Reason)

	got, err := h.sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusEnded, got.Status)

	free, err := h.sessions.FindActive(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, free)
}

func TestRelay_ReconnectKeepsNewConnectionState(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	user := uuid.New()
	first := h.dial(t, user)
	h.waitOnline(t, user)

	// A reconnect replaces the first connection in the hub; the server
	// closes the old socket and runs its teardown.
	second := h.dial(t, user)
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	time.Sleep(200 * time.Millisecond)

	// The replaced connection's teardown must not wipe the presence record
	// the new connection wrote.
	online, err := h.presence.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	// And the new connection is fully functional.
	require.NoError(t, second.WriteJSON(
		domain.MustEvent(domain.EventQueueJoin, domain.QueueJoinPayload{Type: domain.SessionTypeText})))
	ev := readEvent(t, second)
	assert.Equal(t, domain.EventQueuePosition, ev.Type)
}
