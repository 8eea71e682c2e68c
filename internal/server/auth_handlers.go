package server

import (
	"crypto/subtle"

	"hearth/internal/auth"
	"hearth/internal/middleware"
	"hearth/internal/models"
	"hearth/internal/service"

	"github.com/gofiber/fiber/v2"
)

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

type signInRequest struct {
	// Identifier is an email address or a username.
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// SignUp handles POST /api/auth/signup
func (s *Server) SignUp(c *fiber.Ctx) error {
	var req signUpRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	resp, err := s.Auth.SignUp(c.UserContext(), service.SignUpInput{
		Email:       req.Email,
		Password:    req.Password,
		Username:    req.Username,
		DisplayName: req.DisplayName,
	}, lang(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// SignIn handles POST /api/auth/signin
func (s *Server) SignIn(c *fiber.Ctx) error {
	var req signInRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	resp, err := s.Auth.SignIn(c.UserContext(), req.Identifier, req.Password, lang(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}

// SignInWithIdentity handles POST /api/auth/identity. The caller is the
// trusted broker that verified the social login, not the end user.
func (s *Server) SignInWithIdentity(c *fiber.Ctx) error {
	key := s.Config.IdentityBrokerKey
	if key == "" {
		return notConfigured(c, "Identity sign-in")
	}
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Identity-Broker-Key")), []byte(key)) != 1 {
		return respondError(c, models.NewUnauthorizedError("Invalid identity broker key"))
	}

	var profile auth.IdentityProfile
	if err := parseBody(c, &profile); err != nil {
		return respondError(c, err)
	}
	resp, err := s.Auth.SignInWithIdentity(c.UserContext(), profile, lang(c))
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if resp.IsNew {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(resp)
}

// SignOut handles POST /api/auth/signout
func (s *Server) SignOut(c *fiber.Ctx) error {
	if err := s.Auth.SignOut(c.UserContext(), middleware.UserID(c), lang(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SendPasswordReset handles POST /api/auth/reset. It answers 202 whether
// or not the email is known.
func (s *Server) SendPasswordReset(c *fiber.Ctx) error {
	var req resetRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := s.Auth.SendPasswordReset(c.UserContext(), req.Email, lang(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// ConfirmPasswordReset handles POST /api/auth/reset/confirm
func (s *Server) ConfirmPasswordReset(c *fiber.Ctx) error {
	var req resetConfirmRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := s.Auth.ResetPassword(c.UserContext(), req.Token, req.Password, lang(c)); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
