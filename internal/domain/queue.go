package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a user's record of intent to be matched for a given session
// type. A user holds at most one entry across all types; re-joining replaces
// the prior entry.
type QueueEntry struct {
	UserID       uuid.UUID   `json:"userId"`
	ConnectionID uuid.UUID   `json:"connectionId"`
	Type         SessionType `json:"type"`
	EnqueuedAt   time.Time   `json:"enqueuedAt"`
}

func (e *QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}
