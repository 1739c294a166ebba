package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the durable row written to the system of record when a
// session ends. The fast path never reads this table.
type SessionRecord struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Type      SessionType `gorm:"type:varchar(10);not null;index" json:"type"`
	UserA     uuid.UUID   `gorm:"type:uuid;not null;index" json:"userA"`
	UserB     uuid.UUID   `gorm:"type:uuid;not null;index" json:"userB"`
	Status    string      `gorm:"type:varchar(20);not null" json:"status"`
	EndReason string      `gorm:"type:varchar(20)" json:"endReason"`
	StartedAt time.Time   `gorm:"not null" json:"startedAt"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"createdAt"`
}

func (SessionRecord) TableName() string {
	return "session_records"
}

// RecordFromSession converts a live session into its durable form.
func RecordFromSession(s *Session) *SessionRecord {
	return &SessionRecord{
		ID:        s.ID,
		Type:      s.Type,
		UserA:     s.UserA,
		UserB:     s.UserB,
		Status:    string(s.Status),
		EndReason: string(s.EndReason),
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
}
