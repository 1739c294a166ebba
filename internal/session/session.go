package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-service/internal/domain"
	"match-service/internal/lock"
	"match-service/internal/repository"
)

var (
	ErrUserBusy = errors.New("user already has an active session")
	ErrNotFound = errors.New("session not found")
	ErrSameUser = errors.New("cannot pair a user with themselves")
)

const (
	recordKeyPrefix  = "session:record:"
	pointerKeyPrefix = "session:user:"
	endedKeyPrefix   = "session:ended:"
	userLockPrefix   = "lock:user:"

	// How long an ended record stays readable in the store for late lookups.
	endedRecordTTL = time.Hour

	userLockTTL = 5 * time.Second
	cacheTTL    = 30 * time.Minute
)

func recordKey(id uuid.UUID) string {
	return recordKeyPrefix + id.String()
}

func pointerKey(userID uuid.UUID) string {
	return pointerKeyPrefix + userID.String()
}

func endedKey(id uuid.UUID) string {
	return endedKeyPrefix + id.String()
}

// Manager is the sole writer of session state. Creation holds both users'
// locks and claims both active-session pointers atomically, which is what
// prevents two instances from matching the same user into two sessions.
type Manager struct {
	rdb    *redis.Client
	locks  *lock.Locker
	repo   repository.SessionRepository
	cache  *ttlcache.Cache[string, *domain.Session]
	logger *zap.Logger
}

func NewManager(rdb *redis.Client, locks *lock.Locker, repo repository.SessionRepository, logger *zap.Logger) *Manager {
	cache := ttlcache.New[string, *domain.Session](
		ttlcache.WithTTL[string, *domain.Session](cacheTTL),
	)
	go cache.Start()
	return &Manager{
		rdb:    rdb,
		locks:  locks,
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

// Create pairs two free users into a new active session. Returns ErrUserBusy
// if either user already holds an active session or is mid-matching on
// another instance; the caller requeues the other side.
func (m *Manager) Create(ctx context.Context, t domain.SessionType, userA, userB uuid.UUID) (*domain.Session, error) {
	if userA == userB {
		return nil, ErrSameUser
	}

	// Lock both users in a stable order.
	first, second := userA, userB
	if second.String() < first.String() {
		first, second = second, first
	}

	tokenA, ok, err := m.locks.Acquire(ctx, userLockPrefix+first.String(), userLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserBusy
	}
	defer m.locks.Release(context.WithoutCancel(ctx), userLockPrefix+first.String(), tokenA)

	tokenB, ok, err := m.locks.Acquire(ctx, userLockPrefix+second.String(), userLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserBusy
	}
	defer m.locks.Release(context.WithoutCancel(ctx), userLockPrefix+second.String(), tokenB)

	s := &domain.Session{
		ID:        uuid.New(),
		Type:      t,
		UserA:     userA,
		UserB:     userB,
		Status:    domain.SessionStatusActive,
		StartedAt: time.Now().UTC(),
	}

	// Claim both active-session pointers; either claim failing means the
	// user was matched elsewhere between revalidation and commit.
	claimedA, err := m.rdb.SetNX(ctx, pointerKey(userA), s.ID.String(), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("claim session pointer %s: %w", userA, err)
	}
	if !claimedA {
		return nil, ErrUserBusy
	}
	claimedB, err := m.rdb.SetNX(ctx, pointerKey(userB), s.ID.String(), 0).Result()
	if err != nil {
		m.rdb.Del(context.WithoutCancel(ctx), pointerKey(userA))
		return nil, fmt.Errorf("claim session pointer %s: %w", userB, err)
	}
	if !claimedB {
		m.rdb.Del(context.WithoutCancel(ctx), pointerKey(userA))
		return nil, ErrUserBusy
	}

	if err := m.writeRecord(ctx, s, 0); err != nil {
		m.rdb.Del(context.WithoutCancel(ctx), pointerKey(userA), pointerKey(userB))
		return nil, err
	}
	m.cache.Set(s.ID.String(), s, ttlcache.DefaultTTL)

	m.logger.Info("session created",
		zap.String("sessionId", s.ID.String()),
		zap.String("type", string(t)),
		zap.String("userA", userA.String()),
		zap.String("userB", userB.String()))

	return s, nil
}

// End transitions the session to ended, clears both users' pointers, and
// schedules the durable write. Idempotent: ending an already-ended session
// returns (false, nil) and does nothing.
func (m *Manager) End(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if s.IsTerminal() {
		return false, nil
	}

	// Both partners and the sweep can race to end the same session from
	// different instances; claiming the marker is the commit point, so
	// exactly one caller observes the transition.
	won, err := m.rdb.SetNX(ctx, endedKey(sessionID), string(reason), endedRecordTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim session end %s: %w", sessionID, err)
	}
	if !won {
		return false, nil
	}

	now := time.Now().UTC()
	ended := *s
	ended.Status = domain.SessionStatusEnded
	ended.EndedAt = &now
	ended.EndReason = reason

	if err := m.writeRecord(ctx, &ended, endedRecordTTL); err != nil {
		m.rdb.Del(context.WithoutCancel(ctx), endedKey(sessionID))
		return false, err
	}
	// The pointers are cleared only while they still name this session, so
	// a user who was already re-matched keeps their new pointer.
	m.clearPointer(ctx, ended.UserA, sessionID)
	m.clearPointer(ctx, ended.UserB, sessionID)
	m.cache.Delete(sessionID.String())

	go m.persist(&ended)

	m.logger.Info("session ended",
		zap.String("sessionId", sessionID.String()),
		zap.String("reason", string(reason)))

	return true, nil
}

// FindActive returns the user's current active session, or nil.
func (m *Manager) FindActive(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	raw, err := m.rdb.Get(ctx, pointerKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session pointer %s: %w", userID, err)
	}
	sessionID, err := uuid.Parse(raw)
	if err != nil {
		m.rdb.Del(ctx, pointerKey(userID))
		return nil, nil
	}
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Record expired but pointer survived; reconcile.
			m.clearPointer(ctx, userID, sessionID)
			return nil, nil
		}
		return nil, err
	}
	if !s.IsActive() {
		m.clearPointer(ctx, userID, sessionID)
		return nil, nil
	}
	return s, nil
}

// Get looks a session up in the fast-path cache, falling back to the store.
func (m *Manager) Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	if item := m.cache.Get(sessionID.String()); item != nil {
		return item.Value(), nil
	}
	raw, err := m.rdb.Get(ctx, recordKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var s domain.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if s.IsActive() {
		m.cache.Set(sessionID.String(), &s, ttlcache.DefaultTTL)
	}
	return &s, nil
}

// ActiveCounts returns active session counts by type for telemetry.
func (m *Manager) ActiveCounts(ctx context.Context) (map[domain.SessionType]int64, error) {
	counts := make(map[domain.SessionType]int64, 3)
	err := m.scanRecords(ctx, func(s *domain.Session) error {
		if s.IsActive() {
			counts[s.Type]++
		}
		return nil
	})
	return counts, err
}

// AbandonedSweep marks active sessions older than maxAge as abandoned and
// ends them, so a relay bug or crashed instance cannot leave a session open
// forever. Returns the number of sessions swept.
func (m *Manager) AbandonedSweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	swept := 0
	err := m.scanRecords(ctx, func(s *domain.Session) error {
		if !s.IsActive() || s.StartedAt.After(cutoff) {
			return nil
		}
		s.Status = domain.SessionStatusAbandoned
		if err := m.writeRecord(ctx, s, 0); err != nil {
			return err
		}
		m.cache.Delete(s.ID.String())
		ended, err := m.End(ctx, s.ID, domain.EndReasonTimeout)
		if err != nil {
			return err
		}
		if ended {
			swept++
		}
		return nil
	})
	return swept, err
}

// Close stops the cache janitor.
func (m *Manager) Close() {
	m.cache.Stop()
}

func (m *Manager) writeRecord(ctx context.Context, s *domain.Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.rdb.Set(ctx, recordKey(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return nil
}

func (m *Manager) clearPointer(ctx context.Context, userID, sessionID uuid.UUID) {
	// Compare-and-delete shares the lock release discipline.
	if _, err := m.locks.Release(ctx, pointerKey(userID), sessionID.String()); err != nil {
		m.logger.Warn("failed to clear session pointer",
			zap.String("userId", userID.String()), zap.Error(err))
	}
}

func (m *Manager) scanRecords(ctx context.Context, fn func(*domain.Session) error) error {
	var cursor uint64
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, recordKeyPrefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan session records: %w", err)
		}
		for _, key := range keys {
			raw, err := m.rdb.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return fmt.Errorf("load session record %s: %w", key, err)
			}
			var s domain.Session
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				m.logger.Warn("skipping undecodable session record",
					zap.String("key", key), zap.Error(err))
				continue
			}
			if err := fn(&s); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// persist writes the durable history row. Fire-and-forget: failure is
// logged, and the upsert makes any later replay harmless.
func (m *Manager) persist(s *domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.repo.Save(ctx, domain.RecordFromSession(s)); err != nil {
		m.logger.Error("failed to persist session record",
			zap.String("sessionId", s.ID.String()), zap.Error(err))
	}
}
