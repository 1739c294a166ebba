package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-service/internal/bus"
	"match-service/internal/client"
	"match-service/internal/config"
	"match-service/internal/database"
	"match-service/internal/engine"
	"match-service/internal/handler"
	"match-service/internal/job"
	"match-service/internal/lock"
	"match-service/internal/middleware"
	"match-service/internal/presence"
	"match-service/internal/queue"
	"match-service/internal/registry"
	"match-service/internal/repository"
	"match-service/internal/router"
	"match-service/internal/session"
	"match-service/internal/websocket"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	instanceID := uuid.New().String()
	logger.Info("Starting Match Service",
		zap.String("instanceId", instanceID),
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Env),
		zap.String("broker", cfg.Broker.Type))

	// Session history lands in Postgres; a cold database at startup must
	// not keep matchmaking from serving.
	if db, err := database.NewDB(cfg); err != nil {
		logger.Warn("Failed to connect to PostgreSQL on startup, will retry in background",
			zap.Error(err))
		database.NewAsync(cfg, 5*time.Second)
	} else {
		database.SetDB(db)
		logger.Info("PostgreSQL connected")
	}

	rdb, err := database.NewRedis(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	broker, err := newBroker(cfg, rdb, instanceID, logger)
	if err != nil {
		logger.Fatal("Failed to initialize broker", zap.Error(err))
	}

	locker := lock.NewLocker(rdb)
	queueManager := queue.NewManager(rdb, logger)
	sessionRepo := repository.NewSessionRepository(database.GetDB)
	sessions := session.NewManager(rdb, locker, sessionRepo, logger)
	defer sessions.Close()
	tracker := presence.NewTracker(rdb, broker, cfg.Presence.TTL(), instanceID, logger)
	userClient := client.NewUserClient(cfg.Services.UserServiceURL, cfg.Auth.ServiceURL, 10*time.Second)

	hub := websocket.NewHub(logger)
	relay := websocket.NewRelay(hub, broker, queueManager, sessions, tracker, userClient,
		instanceID, cfg.Presence.HeartbeatInterval(), cfg.Presence.TTL(), logger)

	matchEngine := engine.New(engine.Config{
		TickInterval: cfg.Matching.TickInterval(),
		LockTTL:      cfg.Matching.LockTTL(),
		RequeueFront: cfg.Matching.RequeueFront,
	}, locker, queueManager, sessions, tracker, relay, logger)

	janitor := job.NewJanitor(queueManager, sessions, relay, cfg.Matching, logger)
	reg := registry.New(rdb, instanceID, cfg.Instance.TTL(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.Register(ctx); err != nil {
		logger.Warn("Failed to register instance", zap.Error(err))
	}
	go reg.Run(ctx, cfg.Instance.HeartbeatInterval(), hub.ConnectionCount)

	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Relay stopped", zap.Error(err))
		}
	}()

	matchEngine.Start(ctx)
	if err := janitor.Start(); err != nil {
		logger.Fatal("Failed to start cleanup jobs", zap.Error(err))
	}

	healthHandler := handler.NewHealthHandler(database.GetDB, rdb)
	statsHandler := handler.NewStatsHandler(queueManager, sessions, tracker, reg, logger)
	validator := middleware.NewAuthServiceValidator(userClient, cfg.Auth.SecretKey, logger)
	r := router.Setup(cfg, relay, validator, healthHandler, statsHandler, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		logger.Info("Match Service started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	// Drop out of the instance registry first so peers stop routing here,
	// then stop pairing, then disconnect clients.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := reg.Deregister(shutdownCtx); err != nil {
		logger.Warn("Failed to deregister instance", zap.Error(err))
	}
	matchEngine.Stop()
	janitor.Stop()
	cancel()
	hub.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := broker.Close(); err != nil {
		logger.Warn("Broker close failed", zap.Error(err))
	}
	logger.Info("Match Service stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Server.Env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newBroker(cfg *config.Config, rdb *redis.Client, instanceID string, logger *zap.Logger) (bus.Broker, error) {
	switch cfg.Broker.Type {
	case "kafka":
		groupID := cfg.Broker.Kafka.GroupID
		if groupID == "" {
			groupID = "match-service"
		}
		return bus.NewKafkaBroker(cfg.Broker.Kafka.Brokers, groupID, instanceID, logger)
	default:
		return bus.NewRedisBroker(rdb, logger), nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
