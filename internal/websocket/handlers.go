package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"match-service/internal/domain"
	"match-service/internal/metrics"
	"match-service/internal/session"
)

// handleEvent dispatches one inbound event from an authenticated connection.
func (r *Relay) handleEvent(c *Client, ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch ev.Type {
	case domain.EventQueueJoin:
		return r.handleQueueJoin(ctx, c, ev)
	case domain.EventQueueLeave:
		return r.queue.Leave(ctx, c.userID)
	case domain.EventSessionSkip:
		return r.handleSessionEnd(ctx, c, domain.EndReasonSkip)
	case domain.EventSessionEnd:
		return r.handleSessionEnd(ctx, c, domain.EndReasonNormal)
	case domain.EventChatMessage, domain.EventChatTyping,
		domain.EventSignalOffer, domain.EventSignalAnswer, domain.EventSignalICE:
		return r.relayToPartner(ctx, c, ev)
	case domain.EventCallInvite:
		return r.handleCallInvite(ctx, c, ev)
	case domain.EventCallAccept:
		return r.handleCallAccept(ctx, c, ev)
	case domain.EventCallDecline:
		return r.handleCallDecline(ctx, c, ev)
	default:
		r.logger.Warn("unknown event type",
			zap.String("type", ev.Type),
			zap.String("userId", c.userID.String()))
		return nil
	}
}

func (r *Relay) handleQueueJoin(ctx context.Context, c *Client, ev domain.Event) error {
	var payload domain.QueueJoinPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid queue.join payload"))
		return err
	}
	if !domain.ValidSessionType(payload.Type) {
		c.enqueue(errorEvent("BAD_REQUEST", fmt.Sprintf("unknown session type %q", payload.Type)))
		return nil
	}

	// No queueing while a session is open; end or skip first.
	if active, err := r.sessions.FindActive(ctx, c.userID); err != nil {
		c.enqueue(degradedEvent())
		return err
	} else if active != nil {
		c.enqueue(errorEvent("ALREADY_IN_SESSION", "leave the current session before queueing"))
		return nil
	}

	pos, size, eta, err := r.queue.Join(ctx, c.userID, c.connectionID, payload.Type)
	if err != nil {
		// Fail closed on coordination-store writes.
		c.enqueue(degradedEvent())
		return err
	}
	c.enqueue(domain.MustEvent(domain.EventQueuePosition, domain.QueuePositionPayload{
		Position:   pos,
		Size:       size,
		EtaSeconds: int64(eta.Seconds()),
	}))
	return nil
}

func (r *Relay) handleSessionEnd(ctx context.Context, c *Client, reason domain.EndReason) error {
	s, err := r.sessions.FindActive(ctx, c.userID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	ended, err := r.sessions.End(ctx, s.ID, reason)
	if err != nil {
		return err
	}
	if ended {
		metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
		ev := domain.MustEvent(domain.EventPartnerDisconnected, domain.PartnerDisconnectedPayload{
			Reason: string(reason),
		})
		if err := r.NotifyUser(ctx, s.Partner(c.userID), ev); err != nil && !errors.Is(err, ErrUserOffline) {
			r.logger.Warn("failed to notify partner of session end",
				zap.String("sessionId", s.ID.String()), zap.Error(err))
		}
	}

	// Skip means skip-to-next: put the initiator straight back in line.
	if reason == domain.EndReasonSkip {
		pos, size, eta, err := r.queue.Join(ctx, c.userID, c.connectionID, s.Type)
		if err != nil {
			c.enqueue(degradedEvent())
			return err
		}
		c.enqueue(domain.MustEvent(domain.EventQueuePosition, domain.QueuePositionPayload{
			Position:   pos,
			Size:       size,
			EtaSeconds: int64(eta.Seconds()),
		}))
	}
	return nil
}

// relayToPartner forwards an in-session event verbatim. The payload is
// opaque to this service.
func (r *Relay) relayToPartner(ctx context.Context, c *Client, ev domain.Event) error {
	s, err := r.sessions.FindActive(ctx, c.userID)
	if err != nil {
		return err
	}
	if s == nil {
		c.enqueue(errorEvent("NO_ACTIVE_SESSION", "no active session to relay into"))
		return nil
	}

	err = r.NotifyUser(ctx, s.Partner(c.userID), ev)
	if errors.Is(err, ErrUserOffline) {
		// Partner's socket is gone: end the session and tell the sender.
		r.endAndNotify(ctx, s, s.Partner(c.userID), domain.EndReasonDisconnect)
		return nil
	}
	return err
}

func (r *Relay) handleCallInvite(ctx context.Context, c *Client, ev domain.Event) error {
	var payload domain.CallInvitePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid call.invite payload"))
		return err
	}
	calleeID, err := uuid.Parse(payload.CalleeID)
	if err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid callee id"))
		return nil
	}
	if !domain.ValidSessionType(payload.Type) {
		c.enqueue(errorEvent("BAD_REQUEST", fmt.Sprintf("unknown session type %q", payload.Type)))
		return nil
	}

	online, err := r.presence.IsOnline(ctx, calleeID)
	if err != nil {
		return err
	}
	if !online {
		c.enqueue(errorEvent("USER_OFFLINE", "callee is not online"))
		return nil
	}

	inv, err := r.sessions.Invite(ctx, c.userID, calleeID, payload.Type)
	if err != nil {
		if errors.Is(err, session.ErrSameUser) {
			c.enqueue(errorEvent("BAD_REQUEST", "cannot call yourself"))
			return nil
		}
		return err
	}

	incoming := domain.MustEvent(domain.EventCallIncoming, domain.CallIncomingPayload{
		InviteID:   inv.ID.String(),
		CallerID:   c.userID.String(),
		CallerName: c.displayName,
		Type:       inv.Type,
	})
	if err := r.NotifyUser(ctx, calleeID, incoming); err != nil {
		if errors.Is(err, ErrUserOffline) {
			c.enqueue(errorEvent("USER_OFFLINE", "callee is not online"))
			return nil
		}
		return err
	}
	return nil
}

func (r *Relay) handleCallAccept(ctx context.Context, c *Client, ev domain.Event) error {
	var payload domain.CallAnswerPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid call.accept payload"))
		return err
	}
	inviteID, err := uuid.Parse(payload.InviteID)
	if err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid invite id"))
		return nil
	}

	s, inv, err := r.sessions.AcceptInvite(ctx, inviteID, c.userID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInviteNotFound):
			c.enqueue(errorEvent("INVITE_EXPIRED", "invite not found or expired"))
			return nil
		case errors.Is(err, session.ErrNotInvitee):
			c.enqueue(errorEvent("FORBIDDEN", "invite addressed to another user"))
			return nil
		case errors.Is(err, session.ErrUserBusy):
			c.enqueue(errorEvent("USER_BUSY", "caller or callee already in a session"))
			if inv != nil {
				busy := errorEvent("USER_BUSY", "callee could not join")
				_ = r.NotifyUser(ctx, inv.CallerID, busy)
			}
			return nil
		}
		return err
	}

	callerRec, err := r.presence.Status(ctx, inv.CallerID)
	if err != nil || callerRec == nil {
		// Caller vanished between inviting and the accept.
		r.endAndNotify(ctx, s, inv.CallerID, domain.EndReasonDisconnect)
		return err
	}

	c.enqueue(domain.MustEvent(domain.EventMatchFound, domain.MatchFoundPayload{
		SessionID:   s.ID.String(),
		PartnerID:   inv.CallerID.String(),
		PartnerName: callerRec.DisplayName,
		Type:        s.Type,
	}))
	callerEv := domain.MustEvent(domain.EventMatchFound, domain.MatchFoundPayload{
		SessionID:   s.ID.String(),
		PartnerID:   c.userID.String(),
		PartnerName: c.displayName,
		Type:        s.Type,
	})
	return r.NotifyUser(ctx, inv.CallerID, callerEv)
}

func (r *Relay) handleCallDecline(ctx context.Context, c *Client, ev domain.Event) error {
	var payload domain.CallAnswerPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid call.decline payload"))
		return err
	}
	inviteID, err := uuid.Parse(payload.InviteID)
	if err != nil {
		c.enqueue(errorEvent("BAD_REQUEST", "invalid invite id"))
		return nil
	}

	inv, err := r.sessions.DeclineInvite(ctx, inviteID, c.userID)
	if err != nil {
		if errors.Is(err, session.ErrInviteNotFound) || errors.Is(err, session.ErrNotInvitee) {
			return nil
		}
		return err
	}
	declined := domain.MustEvent(domain.EventCallDeclined, domain.CallIncomingPayload{
		InviteID: inv.ID.String(),
		CallerID: inv.CallerID.String(),
		Type:     inv.Type,
	})
	if err := r.NotifyUser(ctx, inv.CallerID, declined); err != nil && !errors.Is(err, ErrUserOffline) {
		return err
	}
	return nil
}

// handleDisconnect is the teardown sequence for a closed transport: mark
// offline, leave any queue, and end any active session with the partner
// notified. Only the connection that owns the presence record tears down;
// a reconnect rewrites the record before the replaced connection gets here,
// and its teardown must not destroy the new connection's state.
func (r *Relay) handleDisconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := r.presence.Status(ctx, c.userID)
	if err != nil {
		r.logger.Error("failed to look up presence on disconnect",
			zap.String("userId", c.userID.String()), zap.Error(err))
		return
	}
	if rec != nil && rec.ConnectionID != c.connectionID {
		return
	}

	if s, err := r.sessions.FindActive(ctx, c.userID); err == nil && s != nil {
		r.endAndNotify(ctx, s, c.userID, domain.EndReasonDisconnect)
	} else if err != nil {
		r.logger.Error("failed to look up session on disconnect",
			zap.String("userId", c.userID.String()), zap.Error(err))
	}

	if err := r.queue.Leave(ctx, c.userID); err != nil {
		r.logger.Warn("failed to leave queue on disconnect",
			zap.String("userId", c.userID.String()), zap.Error(err))
	}

	if _, err := r.presence.SetOffline(ctx, c.userID, c.connectionID); err != nil {
		r.logger.Warn("failed to set user offline",
			zap.String("userId", c.userID.String()), zap.Error(err))
	}
}

func errorEvent(code, message string) domain.Event {
	return domain.MustEvent(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
}

func degradedEvent() domain.Event {
	return domain.MustEvent(domain.EventSystemDegraded, domain.ErrorPayload{
		Code:    "SERVICE_DEGRADED",
		Message: "coordination store unavailable, retry shortly",
	})
}
