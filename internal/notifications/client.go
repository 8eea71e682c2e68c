package notifications

import (
	"context"
	"sync"
	"time"

	"hearth/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBuffer = 256
)

var dropNotice = []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)

// WSHub is implemented by hubs that own clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client sits between one websocket connection and its hub. It also owns
// the realtime listeners the socket subscribed to, keyed by topic.
type Client struct {
	Hub WSHub

	Conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	UserID string

	// IncomingHandler receives every frame read from the peer.
	IncomingHandler func(*Client, []byte)

	// OnActivity runs after each inbound frame.
	OnActivity func(userID string)

	subMu sync.Mutex
	subs  map[string]func()

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(hub WSHub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]func()),
		done:   make(chan struct{}),
	}
}

// Track records the unsubscribe func for topic, replacing and detaching any
// previous listener on the same topic.
func (c *Client) Track(topic string, unsubscribe func()) {
	c.subMu.Lock()
	prev := c.subs[topic]
	c.subs[topic] = unsubscribe
	c.subMu.Unlock()
	if prev != nil {
		prev()
	}
}

// Untrack detaches the listener on topic. It reports whether one existed.
func (c *Client) Untrack(topic string) bool {
	c.subMu.Lock()
	unsubscribe, ok := c.subs[topic]
	delete(c.subs, topic)
	c.subMu.Unlock()
	if ok && unsubscribe != nil {
		unsubscribe()
	}
	return ok
}

// Topics lists the topics the client currently listens on.
func (c *Client) Topics() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		out = append(out, topic)
	}
	return out
}

// Close detaches every listener and stops the write pump. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.subMu.Lock()
		subs := c.subs
		c.subs = make(map[string]func())
		c.subMu.Unlock()
		for _, unsubscribe := range subs {
			if unsubscribe != nil {
				unsubscribe()
			}
		}
		close(c.done)
	})
}

// ReadPump pumps frames from the connection to IncomingHandler until the
// peer goes away, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.NewWSLogger(c.Hub.Name()).LogError(context.Background(), c.UserID, err, "read")
			}
			break
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
		if c.OnActivity != nil {
			c.OnActivity(c.UserID)
		}
	}
}

// WritePump pumps queued messages to the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a message without blocking. A full buffer drops the
// message and queues a notice so the client can re-fetch.
func (c *Client) TrySend(message []byte) bool {
	select {
	case <-c.done:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		return false
	default:
	}

	select {
	case c.Send <- message:
		return true
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
		observability.GlobalLogger.Warn("websocket buffer full, dropped message",
			"hub", c.Hub.Name(), "user_id", c.UserID)
		select {
		case c.Send <- dropNotice:
		default:
		}
		return false
	}
}
