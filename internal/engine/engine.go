package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"match-service/internal/domain"
	"match-service/internal/lock"
	"match-service/internal/metrics"
	"match-service/internal/session"
)

// How many queue entries a tick inspects per type. Invalid candidates are
// consumed from this window, so it bounds work per tick, not matches per
// minute.
const batchSize = 16

// How many waiting users get a refreshed position event after a tick that
// formed matches.
const positionFanout = 20

// QueueService is the slice of the queue manager the engine consumes.
type QueueService interface {
	PeekBatch(ctx context.Context, t domain.SessionType, n int64) ([]domain.QueueEntry, error)
	Remove(ctx context.Context, t domain.SessionType, userID uuid.UUID) error
	Requeue(ctx context.Context, entry domain.QueueEntry, front bool) error
	Sizes(ctx context.Context) (map[domain.SessionType]int64, error)
	Estimate(ctx context.Context, t domain.SessionType) time.Duration
	RecordMatchInterval(ctx context.Context, t domain.SessionType, interval time.Duration)
}

// SessionService creates sessions and answers the "already in a session"
// revalidation question.
type SessionService interface {
	Create(ctx context.Context, t domain.SessionType, userA, userB uuid.UUID) (*domain.Session, error)
	FindActive(ctx context.Context, userID uuid.UUID) (*domain.Session, error)
}

// PresenceService answers liveness questions during revalidation.
type PresenceService interface {
	Status(ctx context.Context, userID uuid.UUID) (*domain.PresenceRecord, error)
}

// LockService provides the per-type matching lock.
type LockService interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Notifier delivers an event to a user's connection wherever it lives.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, ev domain.Event) error
}

// Config carries the engine's tunables.
type Config struct {
	TickInterval time.Duration
	LockTTL      time.Duration
	RequeueFront bool
}

// Engine runs the periodic pairing pass. Every instance ticks independently;
// the per-type lock ensures only one instance's tick pops a given queue at
// any instant.
type Engine struct {
	cfg      Config
	locks    LockService
	queue    QueueService
	sessions SessionService
	presence PresenceService
	notifier Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	lastMatch map[domain.SessionType]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg Config, locks LockService, queue QueueService, sessions SessionService, presence PresenceService, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		locks:     locks,
		queue:     queue,
		sessions:  sessions,
		presence:  presence,
		notifier:  notifier,
		logger:    logger,
		lastMatch: make(map[domain.SessionType]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// Tick runs one pairing pass over every session type. Exported so tests can
// drive the engine without timers.
func (e *Engine) Tick(ctx context.Context) {
	for _, t := range []domain.SessionType{domain.SessionTypeVideo, domain.SessionTypeAudio, domain.SessionTypeText} {
		e.tickType(ctx, t)
	}
	if sizes, err := e.queue.Sizes(ctx); err == nil {
		for t, n := range sizes {
			metrics.QueueSize.WithLabelValues(string(t)).Set(float64(n))
		}
	}
}

func (e *Engine) tickType(ctx context.Context, t domain.SessionType) {
	defer func() {
		// A panic aborts this type's tick, never the engine loop.
		if r := recover(); r != nil {
			e.logger.Error("pairing tick panicked",
				zap.String("type", string(t)), zap.Any("panic", r))
		}
	}()

	metrics.MatchTicksTotal.WithLabelValues(string(t)).Inc()

	err := e.locks.WithLock(ctx, "lock:matching:"+string(t), e.cfg.LockTTL, func(ctx context.Context) error {
		return e.pair(ctx, t)
	})
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrNotAcquired):
		// Another instance is pairing this type; normal under contention.
		metrics.IncLockContention()
	default:
		e.logger.Error("pairing tick failed",
			zap.String("type", string(t)), zap.Error(err))
	}
}

// pair pops eligible users in strict enqueue order and forms sessions.
// Callers hold the type lock.
func (e *Engine) pair(ctx context.Context, t domain.SessionType) error {
	batch, err := e.queue.PeekBatch(ctx, t, batchSize)
	if err != nil {
		return err
	}

	matched := 0
	for len(batch) >= 2 {
		a, b := batch[0], batch[1]

		recA, err := e.validate(ctx, a)
		if err != nil {
			return err
		}
		if recA == nil {
			// Gone or already in a session; drop and move on.
			if err := e.queue.Remove(ctx, t, a.UserID); err != nil {
				return err
			}
			batch = batch[1:]
			continue
		}

		recB, err := e.validate(ctx, b)
		if err != nil {
			return err
		}
		if recB == nil {
			if err := e.queue.Remove(ctx, t, b.UserID); err != nil {
				return err
			}
			batch = append(batch[:1:1], batch[2:]...)
			continue
		}

		if err := e.queue.Remove(ctx, t, a.UserID); err != nil {
			return err
		}
		if err := e.queue.Remove(ctx, t, b.UserID); err != nil {
			return err
		}

		s, err := e.sessions.Create(ctx, t, a.UserID, b.UserID)
		if err != nil {
			if errors.Is(err, session.ErrUserBusy) {
				// One side got matched elsewhere between revalidation and
				// commit. Requeue whoever is still free, unpenalized.
				e.requeueFree(ctx, a)
				e.requeueFree(ctx, b)
				batch = batch[2:]
				continue
			}
			// Both entries were already popped; a transient store failure
			// must not swallow them.
			e.requeueFree(ctx, a)
			e.requeueFree(ctx, b)
			return fmt.Errorf("create session: %w", err)
		}

		e.notifyMatch(ctx, s, a.UserID, recB)
		e.notifyMatch(ctx, s, b.UserID, recA)
		e.recordInterval(ctx, t)
		metrics.MatchesFormedTotal.WithLabelValues(string(t)).Inc()
		matched++
		batch = batch[2:]
	}

	if matched > 0 {
		e.notifyPositions(ctx, t)
	}
	return nil
}

// validate re-checks, immediately before commit, that the candidate is still
// online and not already in a session. Returns the presence record when
// valid, nil when the candidate should be dropped.
func (e *Engine) validate(ctx context.Context, entry domain.QueueEntry) (*domain.PresenceRecord, error) {
	rec, err := e.presence.Status(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	active, err := e.sessions.FindActive(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}
	return rec, nil
}

func (e *Engine) requeueFree(ctx context.Context, entry domain.QueueEntry) {
	active, err := e.sessions.FindActive(ctx, entry.UserID)
	if err != nil || active != nil {
		return
	}
	if err := e.queue.Requeue(ctx, entry, e.cfg.RequeueFront); err != nil {
		e.logger.Warn("failed to requeue user",
			zap.String("userId", entry.UserID.String()), zap.Error(err))
	}
}

func (e *Engine) notifyMatch(ctx context.Context, s *domain.Session, userID uuid.UUID, partner *domain.PresenceRecord) {
	ev := domain.MustEvent(domain.EventMatchFound, domain.MatchFoundPayload{
		SessionID:   s.ID.String(),
		PartnerID:   partner.UserID.String(),
		PartnerName: partner.DisplayName,
		Type:        s.Type,
	})
	if err := e.notifier.NotifyUser(ctx, userID, ev); err != nil {
		e.logger.Warn("failed to deliver match event",
			zap.String("userId", userID.String()),
			zap.String("sessionId", s.ID.String()),
			zap.Error(err))
	}
}

// notifyPositions pushes refreshed queue positions to the users left waiting
// after matches shifted the line.
func (e *Engine) notifyPositions(ctx context.Context, t domain.SessionType) {
	remaining, err := e.queue.PeekBatch(ctx, t, positionFanout)
	if err != nil || len(remaining) == 0 {
		return
	}
	// The fanout window is only a prefix of the queue; report the real depth.
	size := int64(len(remaining))
	if sizes, err := e.queue.Sizes(ctx); err == nil {
		size = sizes[t]
	}
	eta := e.queue.Estimate(ctx, t)
	for i, entry := range remaining {
		ev := domain.MustEvent(domain.EventQueuePosition, domain.QueuePositionPayload{
			Position:   int64(i),
			Size:       size,
			EtaSeconds: int64((eta * time.Duration(i)).Seconds()),
		})
		_ = e.notifier.NotifyUser(ctx, entry.UserID, ev)
	}
}

func (e *Engine) recordInterval(ctx context.Context, t domain.SessionType) {
	now := time.Now()
	e.mu.Lock()
	last, ok := e.lastMatch[t]
	e.lastMatch[t] = now
	e.mu.Unlock()
	if ok {
		e.queue.RecordMatchInterval(ctx, t, now.Sub(last))
	}
}
