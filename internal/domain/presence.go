package domain

import (
	"time"

	"github.com/google/uuid"
)

type PresenceStatus string

const (
	PresenceStatusOnline PresenceStatus = "online"
	PresenceStatusAway   PresenceStatus = "away"
	PresenceStatusInCall PresenceStatus = "in_call"
)

// PresenceRecord is the live record for a connected user. Absence of a
// record means offline; the record expires when heartbeats stop.
type PresenceRecord struct {
	UserID       uuid.UUID      `json:"userId"`
	Status       PresenceStatus `json:"status"`
	ConnectionID uuid.UUID      `json:"connectionId"`
	InstanceID   string         `json:"instanceId"`
	DisplayName  string         `json:"displayName,omitempty"`
	LastSeen     time.Time      `json:"lastSeen"`
}
