package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionType string

const (
	SessionTypeVideo SessionType = "video"
	SessionTypeAudio SessionType = "audio"
	SessionTypeText  SessionType = "text"
)

// ValidSessionType reports whether t is one of the supported session types.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionTypeVideo, SessionTypeAudio, SessionTypeText:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusAbandoned SessionStatus = "abandoned"
	SessionStatusEnded     SessionStatus = "ended"
)

type EndReason string

const (
	EndReasonNormal     EndReason = "normal"
	EndReasonDisconnect EndReason = "disconnect"
	EndReasonTimeout    EndReason = "timeout"
	EndReasonSkip       EndReason = "skip"
	EndReasonError      EndReason = "error"
)

// Session is an established pairing between two users. The session manager
// is the sole writer; everyone else reads.
type Session struct {
	ID        uuid.UUID     `json:"id"`
	Type      SessionType   `json:"type"`
	UserA     uuid.UUID     `json:"userA"`
	UserB     uuid.UUID     `json:"userB"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	EndReason EndReason     `json:"endReason,omitempty"`
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusEnded
}

// Partner returns the other participant, or uuid.Nil if userID is not a
// participant at all.
func (s *Session) Partner(userID uuid.UUID) uuid.UUID {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return uuid.Nil
}

func (s *Session) HasParticipant(userID uuid.UUID) bool {
	return userID == s.UserA || userID == s.UserB
}
