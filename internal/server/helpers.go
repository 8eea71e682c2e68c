package server

import (
	"strings"

	"hearth/internal/middleware"
	"hearth/internal/models"

	"github.com/gofiber/fiber/v2"
)

const maxPaginationLimit = 100

// respondError writes err with the status its code maps to. Server side
// failures are logged with the request ids.
func respondError(c *fiber.Ctx, err error) error {
	status := models.StatusFor(err)
	if status >= fiber.StatusInternalServerError {
		middleware.GetLogger(c.UserContext()).Error("request error",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"error", err.Error(),
		)
	}
	return models.RespondWithError(c, status, err)
}

// lang picks the primary subtag of the first Accept-Language entry.
func lang(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAcceptLanguage)
	first, _, _ := strings.Cut(header, ",")
	first, _, _ = strings.Cut(first, ";")
	primary, _, _ := strings.Cut(strings.TrimSpace(first), "-")
	return strings.ToLower(primary)
}

// parseLimit reads ?limit= clamped to [1, maxPaginationLimit]; 0 means the
// caller's default.
func parseLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return 0
	}
	if limit > maxPaginationLimit {
		return maxPaginationLimit
	}
	return limit
}

// parseBody decodes the request body into out.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return models.NewValidationError("Invalid request body")
	}
	return nil
}

// publicUser hides contact details from anyone but the owner.
func publicUser(c *fiber.Ctx, u *models.User) *models.User {
	if u == nil || u.ID == middleware.UserID(c) {
		return u
	}
	out := *u
	out.Email = ""
	return &out
}

func notConfigured(c *fiber.Ctx, component string) error {
	return respondError(c, models.NewNotConfiguredError(component))
}
