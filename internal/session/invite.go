package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"match-service/internal/domain"
)

var (
	ErrInviteNotFound = errors.New("invite not found or expired")
	ErrNotInvitee     = errors.New("user is not the invitee")
)

const (
	inviteKeyPrefix = "invite:"
	inviteTTL       = 30 * time.Second
)

// Invite is a pending direct-call request. It expires on its own if the
// callee never answers.
type Invite struct {
	ID        uuid.UUID          `json:"id"`
	CallerID  uuid.UUID          `json:"callerId"`
	CalleeID  uuid.UUID          `json:"calleeId"`
	Type      domain.SessionType `json:"type"`
	CreatedAt time.Time          `json:"createdAt"`
}

func inviteKey(id uuid.UUID) string {
	return inviteKeyPrefix + id.String()
}

// Invite records a direct-call request from caller to callee.
func (m *Manager) Invite(ctx context.Context, callerID, calleeID uuid.UUID, t domain.SessionType) (*Invite, error) {
	if callerID == calleeID {
		return nil, ErrSameUser
	}
	inv := &Invite{
		ID:        uuid.New(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      t,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invite: %w", err)
	}
	if err := m.rdb.Set(ctx, inviteKey(inv.ID), data, inviteTTL).Err(); err != nil {
		return nil, fmt.Errorf("write invite: %w", err)
	}
	return inv, nil
}

// AcceptInvite consumes the invite and creates the session through the same
// per-user discipline as engine matches.
func (m *Manager) AcceptInvite(ctx context.Context, inviteID, calleeID uuid.UUID) (*domain.Session, *Invite, error) {
	inv, err := m.takeInvite(ctx, inviteID)
	if err != nil {
		return nil, nil, err
	}
	if inv.CalleeID != calleeID {
		return nil, nil, ErrNotInvitee
	}
	s, err := m.Create(ctx, inv.Type, inv.CallerID, inv.CalleeID)
	if err != nil {
		return nil, inv, err
	}
	return s, inv, nil
}

// DeclineInvite consumes the invite without creating a session.
func (m *Manager) DeclineInvite(ctx context.Context, inviteID, calleeID uuid.UUID) (*Invite, error) {
	inv, err := m.takeInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	if inv.CalleeID != calleeID {
		return nil, ErrNotInvitee
	}
	return inv, nil
}

// takeInvite atomically reads and deletes the invite, so an accept and a
// decline racing each other resolve to exactly one winner.
func (m *Manager) takeInvite(ctx context.Context, inviteID uuid.UUID) (*Invite, error) {
	raw, err := m.rdb.GetDel(ctx, inviteKey(inviteID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInviteNotFound
		}
		return nil, fmt.Errorf("load invite %s: %w", inviteID, err)
	}
	var inv Invite
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, fmt.Errorf("decode invite %s: %w", inviteID, err)
	}
	return &inv, nil
}
