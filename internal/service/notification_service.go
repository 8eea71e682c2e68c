package service

import (
	"context"
	"encoding/json"
	"time"

	"hearth/internal/events"
	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/repository"
)

const defaultNotificationPage = 50

// NotificationService stores inbox entries and fans them out live.
type NotificationService struct {
	repo      repository.NotificationRepository
	notifier  LiveNotifier
	publisher EventPublisher
	now       func() time.Time
}

func NewNotificationService(repo repository.NotificationRepository, notifier LiveNotifier, publisher EventPublisher, now func() time.Time) *NotificationService {
	return &NotificationService{repo: repo, notifier: notifier, publisher: publisher, now: orNow(now)}
}

type liveFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Notify records n through the batch writer, then pushes it to the user's
// sockets and the event stream. Only the record write can fail the call.
func (s *NotificationService) Notify(ctx context.Context, n *models.Notification) error {
	if n.UserID == "" || n.UserID == n.ActorID {
		return nil
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = nowMillis(s.now)
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return err
	}

	if s.notifier != nil {
		payload, err := json.Marshal(liveFrame{Type: "notification", Payload: n})
		if err == nil {
			err = s.notifier.PublishUser(ctx, n.UserID, string(payload))
		}
		if err != nil {
			observability.LogSecondary(ctx, "notification_live", err, map[string]interface{}{"user_id": n.UserID})
		}
	}
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.Event{
			Type:       string(n.Type),
			UserID:     n.UserID,
			ActorID:    n.ActorID,
			EntityID:   n.EntityID,
			OccurredAt: n.CreatedAt,
		})
		if err != nil {
			observability.LogSecondary(ctx, "notification_event", err, map[string]interface{}{"user_id": n.UserID})
		}
	}
	return nil
}

// notifySecondary sends a notification whose failure must not fail the caller.
func (s *NotificationService) notifySecondary(ctx context.Context, n *models.Notification) {
	if s == nil {
		return
	}
	if err := s.Notify(ctx, n); err != nil {
		observability.LogSecondary(ctx, "notify", err, map[string]interface{}{
			"user_id": n.UserID,
			"type":    string(n.Type),
		})
	}
}

func (s *NotificationService) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > defaultNotificationPage {
		limit = defaultNotificationPage
	}
	return s.repo.ListForUser(ctx, userID, limit)
}

func (s *NotificationService) owned(ctx context.Context, userID, id string) (*models.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, models.NewForbiddenError("You can only manage your own notifications")
	}
	return n, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	n, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if n.Read {
		return nil
	}
	return s.repo.MarkRead(ctx, id)
}

// MarkAllRead queues a read flag for every unread notification and returns how many.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	unread, err := s.repo.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, n := range unread {
		if err := s.repo.MarkRead(ctx, n.ID); err != nil {
			return 0, err
		}
	}
	return len(unread), nil
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	unread, err := s.repo.ListUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

func (s *NotificationService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}
