package domain

import (
	"encoding/json"
	"fmt"
)

// Inbound event types (client -> server).
const (
	EventQueueJoin    = "queue.join"
	EventQueueLeave   = "queue.leave"
	EventSessionSkip  = "session.skip"
	EventSessionEnd   = "session.end"
	EventChatMessage  = "chat.message"
	EventChatTyping   = "chat.typing"
	EventSignalOffer  = "signal.offer"
	EventSignalAnswer = "signal.answer"
	EventSignalICE    = "signal.ice"
	EventCallInvite   = "call.invite"
	EventCallAccept   = "call.accept"
	EventCallDecline  = "call.decline"
)

// Outbound event types (server -> client).
const (
	EventQueuePosition       = "queue.position"
	EventQueueTimeout        = "queue.timeout"
	EventMatchFound          = "match.found"
	EventPartnerDisconnected = "match.partnerDisconnected"
	EventOnlineCount         = "presence.onlineCount"
	EventPresenceChanged     = "presence.changed"
	EventCallIncoming        = "call.incoming"
	EventCallDeclined        = "call.declined"
	EventSystemDegraded      = "system.degraded"
	EventError               = "error"
)

// Event is the envelope for every message crossing a connection, in either
// direction. Signal payloads are relayed opaquely and never parsed.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: data}, nil
}

// MustEvent is NewEvent for payload types that cannot fail to marshal.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

type QueueJoinPayload struct {
	Type SessionType `json:"type"`
}

type QueuePositionPayload struct {
	Position   int64 `json:"position"`
	Size       int64 `json:"size"`
	EtaSeconds int64 `json:"etaSeconds"`
}

type MatchFoundPayload struct {
	SessionID   string      `json:"sessionId"`
	PartnerID   string      `json:"partnerId"`
	PartnerName string      `json:"partnerName,omitempty"`
	Type        SessionType `json:"type"`
}

type PartnerDisconnectedPayload struct {
	Reason string `json:"reason"`
}

type ChatMessagePayload struct {
	Text string `json:"text"`
}

type ChatTypingPayload struct {
	Typing bool `json:"typing"`
}

type PresenceChangedPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type OnlineCountPayload struct {
	Count int64 `json:"n"`
}

type CallInvitePayload struct {
	CalleeID string      `json:"calleeId"`
	Type     SessionType `json:"type"`
}

type CallIncomingPayload struct {
	InviteID   string      `json:"inviteId"`
	CallerID   string      `json:"callerId"`
	CallerName string      `json:"callerName,omitempty"`
	Type       SessionType `json:"type"`
}

type CallAnswerPayload struct {
	InviteID string `json:"inviteId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
