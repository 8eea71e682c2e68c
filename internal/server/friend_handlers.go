package server

import (
	"context"

	"hearth/internal/middleware"
	"hearth/internal/models"

	"github.com/gofiber/fiber/v2"
)

// friendAction runs a FriendService transition between the caller and :id.
func (s *Server) friendAction(c *fiber.Ctx, status int, fn func(ctx context.Context, userID, otherID string) (*models.Friendship, error)) error {
	f, err := fn(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(status).JSON(f)
}

func (s *Server) friendRemoval(c *fiber.Ctx, fn func(ctx context.Context, userID, otherID string) error) error {
	if err := fn(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SendFriendRequest handles POST /api/friends/request/:id
func (s *Server) SendFriendRequest(c *fiber.Ctx) error {
	return s.friendAction(c, fiber.StatusCreated, s.Friends.SendRequest)
}

// AcceptFriend handles POST /api/friends/accept/:id
func (s *Server) AcceptFriend(c *fiber.Ctx) error {
	return s.friendAction(c, fiber.StatusOK, s.Friends.Accept)
}

// RejectFriend handles POST /api/friends/reject/:id
func (s *Server) RejectFriend(c *fiber.Ctx) error {
	return s.friendAction(c, fiber.StatusOK, s.Friends.Reject)
}

// BlockUser handles POST /api/friends/block/:id
func (s *Server) BlockUser(c *fiber.Ctx) error {
	return s.friendAction(c, fiber.StatusOK, s.Friends.Block)
}

// CancelFriend handles POST /api/friends/cancel/:id
func (s *Server) CancelFriend(c *fiber.Ctx) error {
	return s.friendRemoval(c, s.Friends.Cancel)
}

// UnblockUser handles POST /api/friends/unblock/:id
func (s *Server) UnblockUser(c *fiber.Ctx) error {
	return s.friendRemoval(c, s.Friends.Unblock)
}

// RemoveFriend handles DELETE /api/friends/:id
func (s *Server) RemoveFriend(c *fiber.Ctx) error {
	return s.friendRemoval(c, s.Friends.Remove)
}

// FriendStatus handles GET /api/friends/status/:id
func (s *Server) FriendStatus(c *fiber.Ctx) error {
	status, err := s.Friends.Status(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(status)
}

// ListFriends handles GET /api/friends
func (s *Server) ListFriends(c *fiber.Ctx) error {
	friends, err := s.Friends.ListFriends(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	out := make([]*models.User, 0, len(friends))
	for i := range friends {
		out = append(out, publicUser(c, &friends[i]))
	}
	return c.JSON(out)
}

// ListPendingFriends handles GET /api/friends/pending
func (s *Server) ListPendingFriends(c *fiber.Ctx) error {
	ctx, uid := c.UserContext(), middleware.UserID(c)
	incoming, err := s.Friends.ListPendingIncoming(ctx, uid)
	if err != nil {
		return respondError(c, err)
	}
	outgoing, err := s.Friends.ListPendingOutgoing(ctx, uid)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"incoming": incoming, "outgoing": outgoing})
}

// ListNotifications handles GET /api/notifications
func (s *Server) ListNotifications(c *fiber.Ctx) error {
	list, err := s.Notifications.List(c.UserContext(), middleware.UserID(c), parseLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(list)
}

// UnreadCount handles GET /api/notifications/unread-count
func (s *Server) UnreadCount(c *fiber.Ctx) error {
	count, err := s.Notifications.UnreadCount(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"count": count})
}

// MarkNotificationRead handles POST /api/notifications/:id/read
func (s *Server) MarkNotificationRead(c *fiber.Ctx) error {
	if err := s.Notifications.MarkRead(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MarkAllNotificationsRead handles POST /api/notifications/read-all
func (s *Server) MarkAllNotificationsRead(c *fiber.Ctx) error {
	marked, err := s.Notifications.MarkAllRead(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"marked": marked})
}

// DeleteNotification handles DELETE /api/notifications/:id
func (s *Server) DeleteNotification(c *fiber.Ctx) error {
	if err := s.Notifications.Delete(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
