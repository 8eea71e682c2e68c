package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"hearth/internal/models"
	"hearth/internal/notifications"
	"hearth/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Frame types the server pushes.
const (
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventMessages      = "messages"
	EventTyping        = "typing"
	EventPresence      = "presence"
	EventConversations = "conversations"
	EventPong          = "pong"
	EventError         = "error"
)

const (
	topicMessages      = "messages:"
	topicTyping        = "typing:"
	topicPresence      = "presence:"
	topicConversations = "conversations"
)

// inboundFrame is what clients send.
type inboundFrame struct {
	Type   string `json:"type"`
	Topic  string `json:"topic,omitempty"`
	With   string `json:"with,omitempty"`
	Typing *bool  `json:"typing,omitempty"`
}

// outboundFrame is what the server pushes.
type outboundFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func push(cl *notifications.Client, frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		observability.GlobalLogger.Error("marshal websocket frame", "type", frame.Type, "error", err.Error())
		return
	}
	cl.TrySend(data)
}

func pushError(cl *notifications.Client, topic string, err error) {
	resp := models.ErrorResponse{Error: err.Error(), Code: models.CodeInternal}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		resp = models.ErrorResponse{Error: appErr.Message, Code: appErr.Code}
	}
	push(cl, outboundFrame{Type: EventError, Topic: topic, Payload: resp})
}

// upgradeRequired rejects plain HTTP requests on the websocket route.
func (s *Server) upgradeRequired(c *fiber.Ctx) error {
	if s.Hub == nil {
		return notConfigured(c, "Realtime websocket")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// WebsocketHandler serves /ws. Each connection owns the realtime listeners
// it subscribes to; they are detached on unsubscribe and on disconnect.
func (s *Server) WebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID, _ := conn.Locals("userID").(string)
		if userID == "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"unauthorized"}}`))
			_ = conn.Close()
			return
		}

		client, err := s.Hub.Register(userID, conn)
		if err != nil {
			observability.NewWSLogger(s.Hub.Name()).LogError(context.Background(), userID, err, "register")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
			_ = conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		client.IncomingHandler = func(cl *notifications.Client, message []byte) {
			s.handleFrame(ctx, cl, message)
		}

		go client.WritePump()
		client.ReadPump()
	})
}

// handleFrame dispatches one inbound frame.
func (s *Server) handleFrame(ctx context.Context, cl *notifications.Client, message []byte) {
	var in inboundFrame
	if err := json.Unmarshal(message, &in); err != nil {
		pushError(cl, "", models.NewValidationError("Invalid frame"))
		return
	}
	observability.WebSocketEventsTotal.WithLabelValues(in.Type).Inc()
	observability.NewWSLogger(s.Hub.Name()).LogMessage(ctx, cl.UserID, in.Type, in.Topic)

	switch in.Type {
	case "ping":
		push(cl, outboundFrame{Type: EventPong})
	case "subscribe":
		if err := s.subscribe(ctx, cl, in.Topic); err != nil {
			pushError(cl, in.Topic, err)
			return
		}
		push(cl, outboundFrame{Type: EventSubscribed, Topic: in.Topic})
	case "unsubscribe":
		cl.Untrack(in.Topic)
		push(cl, outboundFrame{Type: EventUnsubscribed, Topic: in.Topic})
	case "typing":
		typing := in.Typing == nil || *in.Typing
		if err := s.Chat.SetTyping(ctx, cl.UserID, in.With, typing); err != nil {
			pushError(cl, topicTyping+in.With, err)
		}
	default:
		pushError(cl, in.Topic, models.NewValidationError("Unknown frame type "+in.Type))
	}
}

// subscribe attaches the realtime listener behind topic and tracks it on
// the client.
func (s *Server) subscribe(ctx context.Context, cl *notifications.Client, topic string) error {
	uid := cl.UserID
	var (
		unsubscribe func()
		err         error
	)
	switch {
	case topic == topicConversations:
		unsubscribe, err = s.Chat.ListenToConversations(ctx, uid, func(convs []models.ConversationMeta) {
			push(cl, outboundFrame{Type: EventConversations, Topic: topic, Payload: convs})
		})
	case strings.HasPrefix(topic, topicMessages):
		other := strings.TrimPrefix(topic, topicMessages)
		if other == "" {
			return models.NewValidationError("Missing user in topic")
		}
		unsubscribe, err = s.Chat.ListenToMessages(ctx, uid, other, 0, func(msgs []models.Message) {
			push(cl, outboundFrame{Type: EventMessages, Topic: topic, Payload: msgs})
		})
	case strings.HasPrefix(topic, topicTyping):
		other := strings.TrimPrefix(topic, topicTyping)
		if other == "" {
			return models.NewValidationError("Missing user in topic")
		}
		unsubscribe, err = s.Chat.ListenToTyping(ctx, uid, other, func(typing bool) {
			push(cl, outboundFrame{Type: EventTyping, Topic: topic, Payload: fiber.Map{"typing": typing}})
		})
	case strings.HasPrefix(topic, topicPresence):
		other := strings.TrimPrefix(topic, topicPresence)
		if other == "" {
			return models.NewValidationError("Missing user in topic")
		}
		unsubscribe, err = s.Presence.Listen(ctx, other, func(p models.Presence) {
			push(cl, outboundFrame{Type: EventPresence, Topic: topic, Payload: p})
		})
	default:
		return models.NewValidationError("Unknown topic " + topic)
	}
	if err != nil {
		return err
	}
	cl.Track(topic, unsubscribe)
	return nil
}
