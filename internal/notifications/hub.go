package notifications

import (
	"context"
	"errors"
	"sync"

	"hearth/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// Max connections per user
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

var (
	ErrServerFull = errors.New("server connection limit reached")
	ErrUserFull   = errors.New("user connection limit reached")
)

// Hub maps user ids to their open websocket clients.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
	presence   *ConnectionManager
	log        *observability.WSLogger
	closed     bool
}

func NewHub(rdb *redis.Client, cfg ConnectionManagerConfig) *Hub {
	h := &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		presence: NewConnectionManager(rdb, cfg),
	}
	h.log = observability.NewWSLogger(h.Name())
	return h
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "realtime hub" }

// Register adds a connection for userID, enforcing the per-user and global limits.
func (h *Hub) Register(userID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	if h.closed || h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, ErrServerFull
	}
	m, ok := h.conns[userID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[userID] = m
	}
	if len(m) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, ErrUserFull
	}

	client := NewClient(h, conn, userID)
	client.OnActivity = func(uid string) {
		h.presence.Touch(context.Background(), uid)
	}
	m[client] = struct{}{}
	h.totalConns++
	h.mu.Unlock()

	observability.WebSocketConnectionsTotal.Inc()
	h.log.LogConnect(context.Background(), userID)
	h.presence.Register(context.Background(), userID)
	return client, nil
}

// UnregisterClient removes the client, detaches its listeners and starts
// the offline grace window when it was the user's last socket.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	removed := false
	if m, ok := h.conns[client.UserID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			removed = true
		}
		if len(m) == 0 {
			delete(h.conns, client.UserID)
		}
	}
	h.mu.Unlock()

	client.Close()
	if removed {
		observability.WebSocketConnectionsTotal.Dec()
		h.log.LogDisconnect(context.Background(), client.UserID, "unregistered")
		h.presence.Unregister(context.Background(), client.UserID)
	}
}

// Broadcast sends message to every connection of userID.
func (h *Hub) Broadcast(userID string, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data := []byte(message)
	for c := range h.conns[userID] {
		c.TrySend(data)
	}
}

// BroadcastAll sends message to every connected client.
func (h *Hub) BroadcastAll(message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data := []byte(message)
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(data)
		}
	}
}

// IsOnline reports whether a user holds a socket here or on another process.
func (h *Hub) IsOnline(userID string) bool {
	return h.presence.IsOnline(context.Background(), userID)
}

// OnlineUsers lists users with a live socket anywhere.
func (h *Hub) OnlineUsers(ctx context.Context) []string {
	return h.presence.GetOnlineUserIDs(ctx)
}

// StartWiring forwards notifier traffic to the matching local sockets.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartPatternSubscriber(ctx, func(channel, payload string) {
		if channel == broadcastChannel {
			h.BroadcastAll(payload)
			return
		}
		userID, ok := userFromChannel(channel)
		if !ok {
			observability.GlobalLogger.Warn("invalid notification channel", "channel", channel)
			return
		}
		h.Broadcast(userID, payload)
	})
}

// Shutdown closes every socket with a going-away frame and releases presence.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]map[*Client]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	for userID, userConns := range conns {
		for client := range userConns {
			client.Close()
			observability.WebSocketConnectionsTotal.Dec()
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
				h.log.LogError(ctx, userID, err, "close_frame")
			}
			if err := client.Conn.Close(); err != nil {
				h.log.LogError(ctx, userID, err, "close")
			}
		}
	}

	h.presence.Stop()
	return nil
}
