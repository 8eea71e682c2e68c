// Package notifications delivers live payloads to websocket clients and
// tracks which users hold an open socket.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"hearth/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	userChannelPrefix = "notifications:user:"
	broadcastChannel  = "notifications:broadcast"
)

// Notifier publishes payloads into Redis channels. Without Redis it hands
// them straight to the local subscriber so a single process still works.
type Notifier struct {
	rdb *redis.Client

	mu    sync.RWMutex
	local func(channel string, payload string)
}

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) publish(ctx context.Context, channel, payload string) error {
	if n.rdb == nil {
		n.mu.RLock()
		local := n.local
		n.mu.RUnlock()
		if local != nil {
			deliver(local, channel, payload)
		}
		return nil
	}
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PublishUser sends a payload to every socket of a user.
func (n *Notifier) PublishUser(ctx context.Context, userID string, payload string) error {
	return n.publish(ctx, UserChannel(userID), payload)
}

// PublishBroadcast sends a payload to every connected user.
func (n *Notifier) PublishBroadcast(ctx context.Context, payload string) error {
	return n.publish(ctx, broadcastChannel, payload)
}

// StartPatternSubscriber subscribes to the user and broadcast channels and
// calls onMessage for each payload until ctx is done.
func (n *Notifier) StartPatternSubscriber(ctx context.Context, onMessage func(channel string, payload string)) error {
	if n.rdb == nil {
		n.mu.Lock()
		n.local = onMessage
		n.mu.Unlock()
		go func() {
			<-ctx.Done()
			n.mu.Lock()
			n.local = nil
			n.mu.Unlock()
		}()
		return nil
	}

	sub := n.rdb.PSubscribe(ctx, userChannelPrefix+"*", broadcastChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(onMessage, msg.Channel, msg.Payload)
			}
		}
	}()
	return nil
}

func deliver(fn func(string, string), channel, payload string) {
	defer func() {
		if r := recover(); r != nil {
			observability.GlobalLogger.Error("panic in notification subscriber",
				slog.Any("panic", r),
				slog.String("channel", channel),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(channel, payload)
}

// UserChannel derives the Redis channel name for a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// userFromChannel reverses UserChannel.
func userFromChannel(channel string) (string, bool) {
	uid, ok := strings.CutPrefix(channel, userChannelPrefix)
	return uid, ok && uid != ""
}
