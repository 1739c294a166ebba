package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaBroker moves messages over Kafka for deployments that already run a
// cluster. One topic per bus channel. The bus has broadcast semantics, so
// every subscription gets a consumer group of its own: two instances sharing
// a group would split a channel's messages between them instead of each
// seeing all of them, and sarama allows only one Consume loop per group.
type KafkaBroker struct {
	brokers    []string
	groupID    string
	instanceID string
	config     *sarama.Config
	producer   sarama.SyncProducer
	logger     *zap.Logger

	mu     sync.RWMutex
	groups []sarama.ConsumerGroup
	closed bool
}

func NewKafkaBroker(brokers []string, groupID, instanceID string, logger *zap.Logger) (*KafkaBroker, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaBroker{
		brokers:    brokers,
		groupID:    groupID,
		instanceID: instanceID,
		config:     config,
		producer:   producer,
		logger:     logger,
	}, nil
}

// subscriberGroup derives the consumer group for one subscription. Including
// the instance id keeps groups disjoint across instances, which is what
// turns Kafka's queue semantics into the broadcast the bus promises.
func subscriberGroup(base, channel, instanceID string) string {
	return base + "." + channel + "." + instanceID
}

func (b *KafkaBroker) Publish(ctx context.Context, channel string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("broker is closed")
	}
	b.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic:     channel,
		Key:       sarama.StringEncoder(msg.TargetUserID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: time.Now(),
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(kafkaInitialBackoff),
			backoff.WithMaxInterval(kafkaMaxBackoff),
		), kafkaMaxRetries), ctx)

	return backoff.Retry(func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}, policy)
}

func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("broker is closed")
	}
	group, err := sarama.NewConsumerGroup(b.brokers,
		subscriberGroup(b.groupID, channel, b.instanceID), b.config)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	out := make(chan Message, 64)
	handler := &consumerHandler{out: out, ctx: ctx, logger: b.logger}

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			// Consume returns on rebalance; loop to rejoin the group.
			if err := group.Consume(ctx, []string{channel}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				b.logger.Warn("kafka consume error, rejoining",
					zap.String("channel", channel), zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()
	return out, nil
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.producer.Close()
	for _, group := range b.groups {
		if cerr := group.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type consumerHandler struct {
	out    chan Message
	ctx    context.Context
	logger *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for kafkaMsg := range claim.Messages() {
		var msg Message
		if err := json.Unmarshal(kafkaMsg.Value, &msg); err != nil {
			h.logger.Warn("dropping undecodable bus message",
				zap.String("topic", kafkaMsg.Topic), zap.Error(err))
			session.MarkMessage(kafkaMsg, "")
			continue
		}
		select {
		case h.out <- msg:
			session.MarkMessage(kafkaMsg, "")
		case <-h.ctx.Done():
			return nil
		}
	}
	return nil
}
