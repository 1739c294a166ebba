package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type HealthHandler struct {
	dbFn  func() *gorm.DB
	redis *redis.Client
}

// NewHealthHandler takes the DB through a getter because the connection is
// established asynchronously at startup.
func NewHealthHandler(dbFn func() *gorm.DB, redis *redis.Client) *HealthHandler {
	return &HealthHandler{
		dbFn:  dbFn,
		redis: redis,
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "match-service",
	})
}

// Ready reports readiness. Redis is the hard dependency: every queue and
// session operation runs through it. The database only stores history, so
// it degrades rather than fails the check.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "redis not reachable",
		})
		return
	}

	database := "ok"
	if db := h.dbFn(); db != nil {
		if sqlDB, err := db.DB(); err != nil {
			database = "error"
		} else if err := sqlDB.PingContext(ctx); err != nil {
			database = "not reachable"
		}
	} else {
		database = "not connected"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ready",
		"database": database,
	})
}
