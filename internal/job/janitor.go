package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"match-service/internal/config"
	"match-service/internal/domain"
	"match-service/internal/metrics"
	"match-service/internal/queue"
	"match-service/internal/session"
	"match-service/internal/websocket"
)

const jobTimeout = 30 * time.Second

// Janitor runs the periodic cleanup jobs: evicting users who waited too
// long in the queue and closing sessions whose participants both vanished.
// Every instance runs it; the underlying operations are idempotent, so
// overlapping runs across instances are harmless.
type Janitor struct {
	queue       *queue.Manager
	sessions    *session.Manager
	relay       *websocket.Relay
	queueMaxAge time.Duration
	sessMaxAge  time.Duration
	cron        *cron.Cron
	logger      *zap.Logger
}

func NewJanitor(
	queueManager *queue.Manager,
	sessions *session.Manager,
	relay *websocket.Relay,
	cfg config.MatchingConfig,
	logger *zap.Logger,
) *Janitor {
	return &Janitor{
		queue:       queueManager,
		sessions:    sessions,
		relay:       relay,
		queueMaxAge: cfg.QueueMaxAge(),
		sessMaxAge:  cfg.SessionMaxAge(),
		cron:        cron.New(),
		logger:      logger,
	}
}

// Start schedules the jobs and begins running them.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 30s", j.evictStaleEntries); err != nil {
		return fmt.Errorf("schedule queue eviction: %w", err)
	}
	if _, err := j.cron.AddFunc("@every 5m", j.sweepAbandonedSessions); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts scheduling and waits for any running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) evictStaleEntries() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	j.refreshSessionGauge(ctx)

	evicted, err := j.queue.EvictStale(ctx, j.queueMaxAge)
	if err != nil {
		j.logger.Error("queue eviction failed", zap.Error(err))
		return
	}
	if len(evicted) == 0 {
		return
	}

	metrics.QueueEvictionsTotal.Add(float64(len(evicted)))
	j.logger.Info("evicted stale queue entries", zap.Int("count", len(evicted)))

	timeout := domain.MustEvent(domain.EventQueueTimeout, nil)
	for _, entry := range evicted {
		err := j.relay.NotifyUser(ctx, entry.UserID, timeout)
		if err != nil && !errors.Is(err, websocket.ErrUserOffline) {
			j.logger.Warn("failed to notify evicted user",
				zap.String("userId", entry.UserID.String()), zap.Error(err))
		}
	}
}

// refreshSessionGauge republishes the shared active-session count. Sessions
// start and end on different instances, so the gauge is sampled rather than
// incremented.
func (j *Janitor) refreshSessionGauge(ctx context.Context) {
	counts, err := j.sessions.ActiveCounts(ctx)
	if err != nil {
		j.logger.Warn("failed to count active sessions", zap.Error(err))
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	metrics.ActiveSessions.Set(float64(total))
}

func (j *Janitor) sweepAbandonedSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	swept, err := j.sessions.AbandonedSweep(ctx, j.sessMaxAge)
	if err != nil {
		j.logger.Error("abandoned session sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		j.logger.Info("swept abandoned sessions", zap.Int("count", swept))
	}
}
