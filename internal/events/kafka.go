// Package events publishes domain events to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeFollow        = "follow"
	TypeFriendRequest = "friend_request"
	TypeFriendAccept  = "friend_accept"
	TypeMessage       = "message"
)

// Event is one domain event. UserID is the recipient and the partition key.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	ActorID    string         `json:"actorId"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt int64          `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single topic.
type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// NewKafkaPublisher returns a publisher for topic, or nil when no brokers are configured.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	})
	return &KafkaPublisher{writer: w, now: time.Now}
}

// Publish writes evt keyed by its recipient, so one user's events stay ordered.
// A nil publisher drops events.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if evt.OccurredAt == 0 {
		evt.OccurredAt = p.now().UnixMilli()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.UserID),
		Value: b,
		Time:  p.now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
