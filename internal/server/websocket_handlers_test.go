package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"hearth/internal/models"
	"hearth/internal/notifications"
	"hearth/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// waitFrame returns the first frame of the given type accepted by match,
// skipping everything else.
func waitFrame(t *testing.T, cl *notifications.Client, frameType string, match func(receivedFrame) bool) receivedFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-cl.Send:
			var frame receivedFrame
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame.Type == frameType && (match == nil || match(frame)) {
				return frame
			}
		case <-deadline:
			t.Fatalf("no matching %q frame", frameType)
			return receivedFrame{}
		}
	}
}

func nextFrame(t *testing.T, cl *notifications.Client, frameType string) receivedFrame {
	t.Helper()
	return waitFrame(t, cl, frameType, nil)
}

func send(t *testing.T, s *Server, cl *notifications.Client, frame inboundFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	s.handleFrame(context.Background(), cl, data)
}

func TestWebSocketPingAndUnknownFrames(t *testing.T) {
	f := newFixture(t)
	cl, err := f.srv.Hub.Register("alice", nil)
	require.NoError(t, err)

	send(t, f.srv, cl, inboundFrame{Type: "ping"})
	nextFrame(t, cl, EventPong)

	send(t, f.srv, cl, inboundFrame{Type: "dance"})
	frame := nextFrame(t, cl, EventError)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.Equal(t, models.CodeValidation, resp.Code)

	f.srv.handleFrame(context.Background(), cl, []byte("not json"))
	nextFrame(t, cl, EventError)

	send(t, f.srv, cl, inboundFrame{Type: "subscribe", Topic: "weather:today"})
	nextFrame(t, cl, EventError)
}

func TestWebSocketMessageSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cl, err := f.srv.Hub.Register("bob", nil)
	require.NoError(t, err)

	send(t, f.srv, cl, inboundFrame{Type: "subscribe", Topic: "messages:alice"})
	sub := nextFrame(t, cl, EventSubscribed)
	assert.Equal(t, "messages:alice", sub.Topic)
	assert.Contains(t, cl.Topics(), "messages:alice")

	_, err = f.srv.Chat.SendMessage(ctx, "alice", "bob", service.MessageInput{Text: "over the wire"})
	require.NoError(t, err)

	waitFrame(t, cl, EventMessages, func(frame receivedFrame) bool {
		var msgs []models.Message
		if json.Unmarshal(frame.Payload, &msgs) != nil {
			return false
		}
		return len(msgs) == 1 && msgs[0].Text == "over the wire"
	})

	send(t, f.srv, cl, inboundFrame{Type: "unsubscribe", Topic: "messages:alice"})
	nextFrame(t, cl, EventUnsubscribed)
	assert.Empty(t, cl.Topics())
}

func TestWebSocketTypingAndPresence(t *testing.T) {
	f := newFixture(t)
	alice, err := f.srv.Hub.Register("alice", nil)
	require.NoError(t, err)
	bob, err := f.srv.Hub.Register("bob", nil)
	require.NoError(t, err)

	send(t, f.srv, bob, inboundFrame{Type: "subscribe", Topic: "typing:alice"})
	nextFrame(t, bob, EventSubscribed)
	send(t, f.srv, bob, inboundFrame{Type: "subscribe", Topic: "presence:alice"})
	nextFrame(t, bob, EventSubscribed)

	waitFrame(t, bob, EventPresence, func(frame receivedFrame) bool {
		var p models.Presence
		return json.Unmarshal(frame.Payload, &p) == nil && p.Status == models.PresenceOnline
	})

	send(t, f.srv, alice, inboundFrame{Type: "typing", With: "bob"})
	waitFrame(t, bob, EventTyping, func(frame receivedFrame) bool {
		var payload struct{ Typing bool }
		return json.Unmarshal(frame.Payload, &payload) == nil && payload.Typing
	})

	f.srv.Hub.UnregisterClient(bob)
	assert.Empty(t, bob.Topics(), "disconnect detaches every listener")
}

func TestWebSocketReceivesLiveNotifications(t *testing.T) {
	f := newFixture(t)
	cl, err := f.srv.Hub.Register("bob", nil)
	require.NoError(t, err)

	_, err = f.srv.Chat.SendMessage(context.Background(), "alice", "bob", service.MessageInput{Text: "ping"})
	require.NoError(t, err)
	frame := nextFrame(t, cl, "notification")
	var n models.Notification
	require.NoError(t, json.Unmarshal(frame.Payload, &n))
	assert.Equal(t, "bob", n.UserID)
}
