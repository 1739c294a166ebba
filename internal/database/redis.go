package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"match-service/internal/config"
)

// NewRedis connects to the shared coordination store. Everything the
// matching core shares across instances (queues, locks, presence, sessions)
// lives behind this client.
func NewRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	return client, nil
}
