package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"hearth/internal/models"
	"hearth/internal/repository"
)

const (
	maxBioLen         = 500
	maxDisplayNameLen = 60
	defaultSearchSize = 20
	maxSearchSize     = 50
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.]{3,30}$`)

// ValidateUsername checks the username format shared by sign-up and profile edits.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return models.NewValidationError("Username must be 3-30 characters: letters, numbers, '_' or '.'")
	}
	return nil
}

type UserService struct {
	userRepo repository.UserRepository
	now      func() time.Time
}

type UpdateProfileInput struct {
	UserID      string
	Username    string
	DisplayName *string
	Bio         *string
	PhotoURL    *string
}

func NewUserService(userRepo repository.UserRepository, now func() time.Time) *UserService {
	return &UserService{userRepo: userRepo, now: orNow(now)}
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.userRepo.GetByID(ctx, id)
}

func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.userRepo.GetByUsername(ctx, username)
}

// SearchByUsernamePrefix returns users whose lowercase username starts with prefix.
func (s *UserService) SearchByUsernamePrefix(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []models.User{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchSize
	}
	if limit > maxSearchSize {
		limit = maxSearchSize
	}
	users, err := s.userRepo.SearchByPrefix(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i] = users[i].PublicProfile()
	}
	return users, nil
}

func (s *UserService) usernameTaken(ctx context.Context, username, except string) (bool, error) {
	existing, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		if models.HasCode(err, models.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return existing.ID != except, nil
}

// CreateProfile writes a new profile directly so it can be read back at once.
func (s *UserService) CreateProfile(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		return nil, models.NewValidationError("User id is required")
	}
	if err := ValidateUsername(user.Username); err != nil {
		return nil, err
	}
	taken, err := s.usernameTaken(ctx, user.Username, user.ID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, models.NewConflictError("Username is already taken")
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	user.CreatedAt = nowMillis(s.now)
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, in UpdateProfileInput) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if in.Username != "" && in.Username != user.Username {
		if err := ValidateUsername(in.Username); err != nil {
			return nil, err
		}
		taken, err := s.usernameTaken(ctx, in.Username, user.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, models.NewConflictError("Username is already taken")
		}
		user.Username = in.Username
		user.UsernameLower = strings.ToLower(in.Username)
		fields["username"] = user.Username
		fields["usernameLower"] = user.UsernameLower
	}
	if in.DisplayName != nil {
		if len(*in.DisplayName) > maxDisplayNameLen {
			return nil, models.NewValidationError("Display name too long (max 60 characters)")
		}
		user.DisplayName = *in.DisplayName
		fields["displayName"] = user.DisplayName
	}
	if in.Bio != nil {
		if len(*in.Bio) > maxBioLen {
			return nil, models.NewValidationError("Bio too long (max 500 characters)")
		}
		user.Bio = *in.Bio
		fields["bio"] = user.Bio
	}
	if in.PhotoURL != nil {
		user.PhotoURL = *in.PhotoURL
		fields["photoURL"] = user.PhotoURL
	}
	if len(fields) == 0 {
		return user, nil
	}

	user.UpdatedAt = nowMillis(s.now)
	fields["updatedAt"] = user.UpdatedAt
	if err := s.userRepo.Update(ctx, user.ID, fields); err != nil {
		return nil, err
	}
	return user, nil
}
