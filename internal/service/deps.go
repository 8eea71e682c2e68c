// Package service holds the business logic behind the HTTP and websocket API.
package service

import (
	"context"
	"time"

	"hearth/internal/events"
)

// LiveNotifier pushes a payload to every websocket of a user.
type LiveNotifier interface {
	PublishUser(ctx context.Context, userID string, payload string) error
}

// EventPublisher forwards domain events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

func nowMillis(now func() time.Time) int64 {
	return now().UnixMilli()
}

func orNow(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
