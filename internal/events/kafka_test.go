package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writerStub struct {
	msgs   []kafka.Message
	closed bool
}

func (w *writerStub) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_PublishKeysByRecipient(t *testing.T) {
	stub := &writerStub{}
	fixed := time.UnixMilli(1_700_000_000_000)
	p := &KafkaPublisher{writer: stub, now: func() time.Time { return fixed }}

	require.NoError(t, p.Publish(context.Background(), Event{Type: TypeFollow, UserID: "u2", ActorID: "u1"}))
	require.Len(t, stub.msgs, 1)
	msg := stub.msgs[0]
	assert.Equal(t, "u2", string(msg.Key))
	assert.Equal(t, "follow", string(msg.Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, int64(1_700_000_000_000), got.OccurredAt)
	assert.Equal(t, "u1", got.ActorID)

	require.NoError(t, p.Close())
	assert.True(t, stub.closed)
}

func TestKafkaPublisher_NilDropsEvents(t *testing.T) {
	p := NewKafkaPublisher(nil, "events")
	assert.Nil(t, p)
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeMessage}))
	assert.NoError(t, p.Close())
}
