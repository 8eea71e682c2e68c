package server

import (
	"hearth/internal/middleware"
	"hearth/internal/models"
	"hearth/internal/service"

	"github.com/gofiber/fiber/v2"
)

type updateProfileRequest struct {
	Username    string  `json:"username"`
	DisplayName *string `json:"displayName"`
	Bio         *string `json:"bio"`
	PhotoURL    *string `json:"photoURL"`
}

// GetMyProfile handles GET /api/users/me
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.Users.GetUser(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PATCH /api/users/me
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	var req updateProfileRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	user, err := s.Users.UpdateProfile(c.UserContext(), service.UpdateProfileInput{
		UserID:      middleware.UserID(c),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		PhotoURL:    req.PhotoURL,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(user)
}

// GetUserProfile handles GET /api/users/:id
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	user, err := s.Users.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(publicUser(c, user))
}

// SearchUsers handles GET /api/users/search?q=
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	users, err := s.Users.SearchByUsernamePrefix(c.UserContext(), c.Query("q"), parseLimit(c))
	if err != nil {
		return respondError(c, err)
	}
	out := make([]*models.User, 0, len(users))
	for i := range users {
		out = append(out, publicUser(c, &users[i]))
	}
	return c.JSON(out)
}

// Follow handles POST /api/follows/:id
func (s *Server) Follow(c *fiber.Ctx) error {
	follow, err := s.Follows.Follow(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(follow)
}

// Unfollow handles DELETE /api/follows/:id
func (s *Server) Unfollow(c *fiber.Ctx) error {
	if err := s.Follows.Unfollow(c.UserContext(), middleware.UserID(c), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// IsFollowing handles GET /api/follows/:id
func (s *Server) IsFollowing(c *fiber.Ctx) error {
	following, err := s.Follows.IsFollowing(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"following": following})
}

// ListFollowers handles GET /api/users/:id/followers
func (s *Server) ListFollowers(c *fiber.Ctx) error {
	follows, err := s.Follows.ListFollowers(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(follows)
}

// ListFollowing handles GET /api/users/:id/following
func (s *Server) ListFollowing(c *fiber.Ctx) error {
	follows, err := s.Follows.ListFollowing(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(follows)
}

// GetPresence handles GET /api/presence/:id
func (s *Server) GetPresence(c *fiber.Ctx) error {
	p, err := s.Presence.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}
