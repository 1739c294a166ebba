// Package bus carries events between server instances. Each instance owns
// one inbox channel; relays publish to the inbox of whichever instance holds
// the target user's connection.
package bus

import (
	"context"

	"match-service/internal/domain"
)

const (
	// PresenceChannel carries presence change broadcasts to every instance.
	PresenceChannel = "match.presence"

	instanceChannelPrefix = "match.instance."
)

// InstanceChannel is the direct inbox for a server instance.
func InstanceChannel(instanceID string) string {
	return instanceChannelPrefix + instanceID
}

// Message is the envelope moved across the bus.
type Message struct {
	TargetUserID string       `json:"targetUserId,omitempty"`
	ConnectionID string       `json:"connectionId,omitempty"`
	SourceID     string       `json:"sourceId,omitempty"`
	Event        domain.Event `json:"event"`
}

// Broker abstracts the transport: Redis pub/sub by default, Kafka when the
// deployment already runs one.
type Broker interface {
	Publish(ctx context.Context, channel string, msg Message) error
	// Subscribe delivers messages for channel until ctx is cancelled or the
	// broker closes; the returned channel is closed on either.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
}
