package repository

import (
	"context"
	"strings"

	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/docstore"
	"hearth/internal/models"
)

// Collection names.
const (
	UsersCollection         = "users"
	FollowsCollection       = "follows"
	FriendshipsCollection   = "friendships"
	NotificationsCollection = "notifications"
	MediaCollection         = "media"
	MediaMirrorsCollection  = "media_mirrors"
	AccountsCollection      = "accounts"
)

// UserRepository defines the interface for user profile operations
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	SearchByPrefix(ctx context.Context, prefix string, limit int) ([]models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, id string, fields map[string]any) error
	IncrementCounter(ctx context.Context, id, field string, delta int64) error
}

type userRepository struct {
	users *Collection[models.User]
}

// NewUserRepository creates a new user repository
func NewUserRepository(store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) UserRepository {
	return &userRepository{users: NewCollection[models.User](UsersCollection, store, mem, writer)}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.users.GetByID(ctx, id)
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	found, err := r.users.Query(ctx, docstore.Query{Limit: 1}.
		Where("usernameLower", docstore.OpEqual, strings.ToLower(username)))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, models.NewNotFoundError("User", username)
	}
	return &found[0], nil
}

// SearchByPrefix runs the usernameLower range query [p, p+"").
func (r *userRepository) SearchByPrefix(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	return r.users.Query(ctx, docstore.Query{
		Filters: docstore.PrefixRange("usernameLower", strings.ToLower(prefix)),
		OrderBy: "usernameLower",
		Limit:   limit,
	})
}

// Create writes the profile directly: sign-up reads it back immediately.
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	user.UsernameLower = strings.ToLower(user.Username)
	_, err := r.users.Create(ctx, user.ID, *user, Direct())
	return err
}

func (r *userRepository) Update(ctx context.Context, id string, fields map[string]any) error {
	return r.users.Update(ctx, id, fields)
}

func (r *userRepository) IncrementCounter(ctx context.Context, id, field string, delta int64) error {
	return r.users.Update(ctx, id, map[string]any{field: docstore.Increment(delta)}, Direct())
}
