package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"match-service/internal/bus"
	"match-service/internal/client"
	"match-service/internal/domain"
	"match-service/internal/metrics"
	"match-service/internal/presence"
	"match-service/internal/queue"
	"match-service/internal/session"
)

var ErrUserOffline = errors.New("user has no live connection")

const (
	eventTimeout        = 5 * time.Second
	onlineCountInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Relay routes events between paired connections, wherever their sockets
// live. It validates session ownership before forwarding anything, and it is
// the component that turns a transport disconnect into a clean session end.
type Relay struct {
	hub               *Hub
	broker            bus.Broker
	queue             *queue.Manager
	sessions          *session.Manager
	presence          *presence.Tracker
	users             client.UserClient
	instanceID        string
	heartbeatInterval time.Duration
	presenceTTL       time.Duration
	logger            *zap.Logger
}

func NewRelay(
	hub *Hub,
	broker bus.Broker,
	queueManager *queue.Manager,
	sessions *session.Manager,
	tracker *presence.Tracker,
	users client.UserClient,
	instanceID string,
	heartbeatInterval time.Duration,
	presenceTTL time.Duration,
	logger *zap.Logger,
) *Relay {
	// Heartbeats must land several times per TTL window or connected users
	// flap offline.
	if heartbeatInterval <= 0 || heartbeatInterval >= presenceTTL {
		heartbeatInterval = presenceTTL / 5
	}
	return &Relay{
		hub:               hub,
		broker:            broker,
		queue:             queueManager,
		sessions:          sessions,
		presence:          tracker,
		users:             users,
		instanceID:        instanceID,
		heartbeatInterval: heartbeatInterval,
		presenceTTL:       presenceTTL,
		logger:            logger,
	}
}

// HandleWebSocket authenticates and upgrades an incoming connection.
func (r *Relay) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), eventTimeout)
	defer cancel()

	validation, err := r.users.ValidateToken(ctx, token)
	if err != nil || !validation.Valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	userID, err := uuid.Parse(validation.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	displayName := "Anonymous"
	if info, err := r.users.GetUserInfo(ctx, validation.UserID, token); err == nil && info.NickName != "" {
		displayName = info.NickName
	} else if err != nil {
		r.logger.Warn("failed to get user info", zap.Error(err))
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	wsClient := &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		userID:       userID,
		connectionID: uuid.New(),
		displayName:  displayName,
		relay:        r,
	}

	if err := r.presence.SetOnline(ctx, userID, wsClient.connectionID, displayName); err != nil {
		r.logger.Error("failed to set user online", zap.Error(err))
		conn.Close()
		return
	}

	r.hub.register <- wsClient

	go wsClient.writePump()
	go wsClient.readPump()
}

// NotifyUser delivers an event to the user's connection, publishing to the
// owning instance's inbox when the socket is not local.
func (r *Relay) NotifyUser(ctx context.Context, userID uuid.UUID, ev domain.Event) error {
	rec, err := r.presence.Status(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrUserOffline
	}
	if rec.InstanceID == r.instanceID {
		if r.hub.SendToConnection(rec.ConnectionID, ev) || r.hub.SendToUser(userID, ev) {
			return nil
		}
		return ErrUserOffline
	}
	return r.broker.Publish(ctx, bus.InstanceChannel(rec.InstanceID), bus.Message{
		TargetUserID: userID.String(),
		ConnectionID: rec.ConnectionID.String(),
		SourceID:     r.instanceID,
		Event:        ev,
	})
}

// Run subscribes to this instance's inbox and the presence broadcast, and
// drives the periodic online-count push and the partner liveness watchdog.
// Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	inbox, err := r.broker.Subscribe(ctx, bus.InstanceChannel(r.instanceID))
	if err != nil {
		return err
	}
	presenceCh, err := r.broker.Subscribe(ctx, bus.PresenceChannel)
	if err != nil {
		return err
	}

	onlineTicker := time.NewTicker(onlineCountInterval)
	defer onlineTicker.Stop()
	watchdog := time.NewTicker(r.presenceTTL)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbox:
			if !ok {
				return errors.New("instance inbox closed")
			}
			r.deliverLocal(msg)

		case msg, ok := <-presenceCh:
			if !ok {
				return errors.New("presence channel closed")
			}
			r.handlePresenceChange(ctx, msg)

		case <-onlineTicker.C:
			r.broadcastOnlineCount(ctx)

		case <-watchdog.C:
			r.sweepDeadPartners(ctx)
		}
	}
}

func (r *Relay) deliverLocal(msg bus.Message) {
	if connID, err := uuid.Parse(msg.ConnectionID); err == nil {
		if r.hub.SendToConnection(connID, msg.Event) {
			return
		}
	}
	if userID, err := uuid.Parse(msg.TargetUserID); err == nil {
		r.hub.SendToUser(userID, msg.Event)
	}
}

// handlePresenceChange is the safety net for a partner going offline on an
// instance that failed to run its own teardown: if the offline user still
// holds an active session whose partner is local, end it from here.
func (r *Relay) handlePresenceChange(ctx context.Context, msg bus.Message) {
	if msg.Event.Type != domain.EventPresenceChanged || msg.SourceID == r.instanceID {
		return
	}
	var payload domain.PresenceChangedPayload
	if err := json.Unmarshal(msg.Event.Payload, &payload); err != nil || payload.Status != "offline" {
		return
	}
	offlineUser, err := uuid.Parse(payload.UserID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	s, err := r.sessions.FindActive(ctx, offlineUser)
	if err != nil || s == nil {
		return
	}
	if !r.hub.HasUser(s.Partner(offlineUser)) {
		// The survivor's instance will handle it.
		return
	}
	r.endAndNotify(ctx, s, offlineUser, domain.EndReasonDisconnect)
}

func (r *Relay) broadcastOnlineCount(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	count, err := r.presence.OnlineCount(ctx)
	if err != nil {
		r.logger.Warn("failed to count online users", zap.Error(err))
		return
	}
	r.hub.Broadcast(domain.MustEvent(domain.EventOnlineCount, domain.OnlineCountPayload{Count: count}))
}

// sweepDeadPartners ends sessions whose remote partner's presence expired
// without a clean disconnect (e.g. the partner's instance crashed), so local
// users learn within one presence-TTL window.
func (r *Relay) sweepDeadPartners(ctx context.Context) {
	for _, localClient := range r.hub.LocalClients() {
		cctx, cancel := context.WithTimeout(ctx, eventTimeout)
		s, err := r.sessions.FindActive(cctx, localClient.userID)
		if err != nil || s == nil {
			cancel()
			continue
		}
		partner := s.Partner(localClient.userID)
		online, err := r.presence.IsOnline(cctx, partner)
		if err == nil && !online {
			r.endAndNotify(cctx, s, partner, domain.EndReasonDisconnect)
		}
		cancel()
	}
}

// endAndNotify ends the session and tells the surviving side. goneUser is
// the participant who vanished and gets no notification.
func (r *Relay) endAndNotify(ctx context.Context, s *domain.Session, goneUser uuid.UUID, reason domain.EndReason) {
	ended, err := r.sessions.End(ctx, s.ID, reason)
	if err != nil {
		r.logger.Error("failed to end session",
			zap.String("sessionId", s.ID.String()), zap.Error(err))
		return
	}
	if !ended {
		return
	}
	metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	survivor := s.Partner(goneUser)
	ev := domain.MustEvent(domain.EventPartnerDisconnected, domain.PartnerDisconnectedPayload{
		Reason: string(reason),
	})
	if err := r.NotifyUser(ctx, survivor, ev); err != nil && !errors.Is(err, ErrUserOffline) {
		r.logger.Warn("failed to notify surviving partner",
			zap.String("userId", survivor.String()), zap.Error(err))
	}
}
