// Package middleware holds the fiber middleware shared by every route.
package middleware

import (
	"context"
	"strings"

	"hearth/internal/models"

	"github.com/gofiber/fiber/v2"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// AuthRequired enforces a valid bearer token and stores the user id in
// c.Locals("userID").
func AuthRequired(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c.Get("Authorization"))
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}
		return verify(c, v, token)
	}
}

// WebSocketAuthRequired accepts the token from the "token" query parameter,
// since browsers cannot set headers on a websocket upgrade, and falls back
// to the Authorization header.
func WebSocketAuthRequired(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			var err error
			if token, err = bearerToken(c.Get("Authorization")); err != nil {
				return models.RespondWithError(c, fiber.StatusUnauthorized, err)
			}
		}
		return verify(c, v, token)
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", models.NewUnauthorizedError("Authorization header required")
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", models.NewUnauthorizedError("Invalid authorization header format")
	}
	return parts[1], nil
}

func verify(c *fiber.Ctx, v TokenVerifier, token string) error {
	uid, err := v.VerifyToken(c.UserContext(), token)
	if err != nil || uid == "" {
		if err == nil {
			err = models.NewUnauthorizedError("Invalid or expired token")
		}
		return models.RespondWithError(c, fiber.StatusUnauthorized, err)
	}
	c.Locals("userID", uid)
	c.SetUserContext(context.WithValue(c.UserContext(), UserIDKey, uid))
	return c.Next()
}

// UserID returns the authenticated user id, or "" on public routes.
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals("userID").(string)
	return uid
}
