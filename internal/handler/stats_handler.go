package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"match-service/internal/metrics"
	"match-service/internal/presence"
	"match-service/internal/queue"
	"match-service/internal/registry"
	"match-service/internal/session"
)

// StatsHandler exposes an operational snapshot of the matchmaking system:
// queue depths, active sessions, online users and the live instances.
type StatsHandler struct {
	queue    *queue.Manager
	sessions *session.Manager
	presence *presence.Tracker
	registry *registry.Registry
	logger   *zap.Logger
}

func NewStatsHandler(
	queueManager *queue.Manager,
	sessions *session.Manager,
	tracker *presence.Tracker,
	reg *registry.Registry,
	logger *zap.Logger,
) *StatsHandler {
	return &StatsHandler{
		queue:    queueManager,
		sessions: sessions,
		presence: tracker,
		registry: reg,
		logger:   logger,
	}
}

func (h *StatsHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	sizes, err := h.queue.Sizes(ctx)
	if err != nil {
		h.logger.Error("failed to read queue sizes", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   gin.H{"code": "SERVICE_DEGRADED", "message": "coordination store unavailable"},
		})
		return
	}

	activeSessions, err := h.sessions.ActiveCounts(ctx)
	if err != nil {
		h.logger.Error("failed to count active sessions", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   gin.H{"code": "SERVICE_DEGRADED", "message": "coordination store unavailable"},
		})
		return
	}

	online, err := h.presence.OnlineCount(ctx)
	if err != nil {
		h.logger.Warn("failed to count online users", zap.Error(err))
		online = -1
	}

	instances, err := h.registry.Snapshot(ctx)
	if err != nil {
		h.logger.Warn("failed to snapshot instances", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"queues":         sizes,
		"activeSessions": activeSessions,
		"onlineUsers":    online,
		"instances":      instances,
		"lockContention": metrics.LockContentionCount(),
	})
}
