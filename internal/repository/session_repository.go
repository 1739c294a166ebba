package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"match-service/internal/domain"
)

var ErrDatabaseUnavailable = errors.New("database not connected")

// SessionRepository persists finished sessions to the system of record.
// Writes are at-least-once; Save upserts so replays are harmless.
type SessionRepository interface {
	Save(ctx context.Context, record *domain.SessionRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error)
	FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.SessionRecord, error)
}

type sessionRepository struct {
	// The connection may come up after the process does, so it is resolved
	// per call instead of captured at construction.
	dbFn func() *gorm.DB
}

func NewSessionRepository(dbFn func() *gorm.DB) SessionRepository {
	return &sessionRepository{dbFn: dbFn}
}

func (r *sessionRepository) Save(ctx context.Context, record *domain.SessionRecord) error {
	db := r.dbFn()
	if db == nil {
		return ErrDatabaseUnavailable
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "end_reason", "ended_at"}),
	}).Create(record).Error
}

func (r *sessionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	db := r.dbFn()
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}
	var record domain.SessionRecord
	if err := db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *sessionRepository) FindByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.SessionRecord, error) {
	db := r.dbFn()
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}
	var records []domain.SessionRecord
	err := db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", userID, userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
