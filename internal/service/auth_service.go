package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"hearth/internal/auth"
	"hearth/internal/models"

	"github.com/google/uuid"
)

// AuthResponse is returned by every successful sign-in flow.
type AuthResponse struct {
	Token     string       `json:"token"`
	ExpiresAt int64        `json:"expiresAt"`
	User      *models.User `json:"user"`
	IsNew     bool         `json:"isNew,omitempty"`
}

type SignUpInput struct {
	Email       string
	Password    string
	Username    string
	DisplayName string
}

// AuthService pairs provider accounts with user profiles.
type AuthService struct {
	provider auth.Provider
	users    *UserService
}

func NewAuthService(provider auth.Provider, users *UserService) *AuthService {
	return &AuthService{provider: provider, users: users}
}

func authError(err error, lang string) error {
	if err == nil {
		return nil
	}
	var provErr *auth.Error
	if errors.As(err, &provErr) {
		return auth.ToAppError(err, lang)
	}
	return err
}

func response(session *auth.Session, user *models.User) *AuthResponse {
	return &AuthResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.UnixMilli(),
		User:      user,
		IsNew:     session.IsNew,
	}
}

// SignUp checks the username before creating the account so a taken name
// never leaves an account without a profile.
func (s *AuthService) SignUp(ctx context.Context, in SignUpInput, lang string) (*AuthResponse, error) {
	if err := ValidateUsername(in.Username); err != nil {
		return nil, err
	}
	taken, err := s.users.usernameTaken(ctx, in.Username, "")
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, models.NewConflictError("Username is already taken")
	}

	session, err := s.provider.SignUp(ctx, in.Email, in.Password)
	if err != nil {
		return nil, authError(err, lang)
	}
	user, err := s.users.CreateProfile(ctx, &models.User{
		ID:          session.UserID,
		Username:    in.Username,
		DisplayName: in.DisplayName,
		Email:       session.Email,
	})
	if err != nil {
		return nil, err
	}
	return response(session, user), nil
}

// SignIn accepts an email or a username.
func (s *AuthService) SignIn(ctx context.Context, identifier, password, lang string) (*AuthResponse, error) {
	email := strings.TrimSpace(identifier)
	if !strings.Contains(email, "@") {
		user, err := s.users.GetByUsername(ctx, email)
		if err != nil {
			if models.HasCode(err, models.CodeNotFound) {
				return nil, auth.ToAppError(&auth.Error{Code: auth.CodeUserNotFound}, lang)
			}
			return nil, err
		}
		email = user.Email
	}

	session, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, authError(err, lang)
	}
	user, err := s.users.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return response(session, user), nil
}

var nonUsernameChars = regexp.MustCompile(`[^a-z0-9_.]+`)

// usernameSeed derives a valid username base from an identity.
func usernameSeed(profile auth.IdentityProfile) string {
	seed := profile.DisplayName
	if local, _, ok := strings.Cut(profile.Email, "@"); ok && local != "" {
		seed = local
	}
	seed = nonUsernameChars.ReplaceAllString(strings.ToLower(seed), "")
	if len(seed) > 24 {
		seed = seed[:24]
	}
	for len(seed) < 3 {
		seed += "_"
	}
	return seed
}

// SignInWithIdentity signs in through a social identity, creating the
// profile on first sign-in.
func (s *AuthService) SignInWithIdentity(ctx context.Context, profile auth.IdentityProfile, lang string) (*AuthResponse, error) {
	session, err := s.provider.SignInWithIdentity(ctx, profile)
	if err != nil {
		return nil, authError(err, lang)
	}

	user, err := s.users.GetUser(ctx, session.UserID)
	if err == nil {
		return response(session, user), nil
	}
	if !models.HasCode(err, models.CodeNotFound) {
		return nil, err
	}

	seed := usernameSeed(profile)
	candidate := seed
	for attempt := 0; ; attempt++ {
		user, err = s.users.CreateProfile(ctx, &models.User{
			ID:          session.UserID,
			Username:    candidate,
			DisplayName: profile.DisplayName,
			Email:       session.Email,
			PhotoURL:    profile.PhotoURL,
		})
		if err == nil {
			return response(session, user), nil
		}
		if !models.HasCode(err, models.CodeConflict) || attempt == 4 {
			return nil, err
		}
		candidate = seed + "_" + uuid.NewString()[:4]
	}
}

func (s *AuthService) SignOut(ctx context.Context, userID, lang string) error {
	return authError(s.provider.SignOut(ctx, userID), lang)
}

func (s *AuthService) SendPasswordReset(ctx context.Context, email, lang string) error {
	return authError(s.provider.SendPasswordReset(ctx, email), lang)
}

func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword, lang string) error {
	return authError(s.provider.ResetPassword(ctx, token, newPassword), lang)
}

// VerifyToken returns the user id a bearer token belongs to.
func (s *AuthService) VerifyToken(ctx context.Context, token string) (string, error) {
	uid, err := s.provider.VerifyToken(ctx, token)
	return uid, authError(err, "")
}
