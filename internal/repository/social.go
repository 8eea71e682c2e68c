package repository

import (
	"context"

	"hearth/internal/batch"
	"hearth/internal/cache"
	"hearth/internal/docstore"
	"hearth/internal/models"
)

// FollowRepository defines the interface for follow edge operations
type FollowRepository interface {
	Get(ctx context.Context, followerID, followingID string) (*models.Follow, error)
	Create(ctx context.Context, follow *models.Follow) error
	Delete(ctx context.Context, followerID, followingID string) error
	ListFollowers(ctx context.Context, userID string) ([]models.Follow, error)
	ListFollowing(ctx context.Context, userID string) ([]models.Follow, error)
}

type followRepository struct {
	follows *Collection[models.Follow]
}

// NewFollowRepository creates a new follow repository
func NewFollowRepository(store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) FollowRepository {
	return &followRepository{follows: NewCollection[models.Follow](FollowsCollection, store, mem, writer)}
}

func (r *followRepository) Get(ctx context.Context, followerID, followingID string) (*models.Follow, error) {
	return r.follows.GetByID(ctx, models.FollowID(followerID, followingID))
}

func (r *followRepository) Create(ctx context.Context, follow *models.Follow) error {
	follow.ID = models.FollowID(follow.FollowerID, follow.FollowingID)
	_, err := r.follows.Create(ctx, follow.ID, *follow, Direct())
	return err
}

func (r *followRepository) Delete(ctx context.Context, followerID, followingID string) error {
	return r.follows.Delete(ctx, models.FollowID(followerID, followingID))
}

func (r *followRepository) ListFollowers(ctx context.Context, userID string) ([]models.Follow, error) {
	return r.follows.Query(ctx, docstore.Query{OrderBy: "createdAt", Desc: true}.
		Where("followingId", docstore.OpEqual, userID))
}

func (r *followRepository) ListFollowing(ctx context.Context, userID string) ([]models.Follow, error) {
	return r.follows.Query(ctx, docstore.Query{OrderBy: "createdAt", Desc: true}.
		Where("followerId", docstore.OpEqual, userID))
}

// FriendRepository defines the interface for friend edge operations
type FriendRepository interface {
	// Get returns the edge of the pair, or NOT_FOUND.
	Get(ctx context.Context, userA, userB string) (*models.Friendship, error)
	Save(ctx context.Context, friendship *models.Friendship) error
	UpdateStatus(ctx context.Context, friendship *models.Friendship, status models.FriendshipStatus, now int64) error
	Delete(ctx context.Context, userA, userB string) error
	// ListByMember returns every edge userID belongs to with the given status.
	ListByMember(ctx context.Context, userID string, status models.FriendshipStatus) ([]models.Friendship, error)
}

type friendRepository struct {
	friendships *Collection[models.Friendship]
}

// NewFriendRepository creates a new friend repository
func NewFriendRepository(store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) FriendRepository {
	return &friendRepository{friendships: NewCollection[models.Friendship](FriendshipsCollection, store, mem, writer)}
}

func (r *friendRepository) Get(ctx context.Context, userA, userB string) (*models.Friendship, error) {
	return r.friendships.GetByID(ctx, models.PairKey(userA, userB))
}

// Save writes the whole edge directly; request flows read it back at once.
func (r *friendRepository) Save(ctx context.Context, friendship *models.Friendship) error {
	return r.friendships.Set(ctx, friendship.ID, *friendship, Direct())
}

func (r *friendRepository) UpdateStatus(ctx context.Context, friendship *models.Friendship, status models.FriendshipStatus, now int64) error {
	err := r.friendships.Update(ctx, friendship.ID, map[string]any{
		"status":      string(status),
		"requestedBy": friendship.RequestedBy,
		"updatedAt":   now,
	}, Direct())
	if err != nil {
		return err
	}
	friendship.Status = status
	friendship.UpdatedAt = now
	return nil
}

func (r *friendRepository) Delete(ctx context.Context, userA, userB string) error {
	return r.friendships.Delete(ctx, models.PairKey(userA, userB))
}

func (r *friendRepository) ListByMember(ctx context.Context, userID string, status models.FriendshipStatus) ([]models.Friendship, error) {
	return r.friendships.Query(ctx, docstore.Query{OrderBy: "updatedAt", Desc: true}.
		Where("members", docstore.OpArrayContains, userID).
		Where("status", docstore.OpEqual, string(status)))
}

// NotificationRepository defines the interface for notification inbox operations
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	GetByID(ctx context.Context, id string) (*models.Notification, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	ListUnread(ctx context.Context, userID string) ([]models.Notification, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

type notificationRepository struct {
	notifications *Collection[models.Notification]
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(store docstore.Store, mem *cache.MemoryCache, writer *batch.Writer) NotificationRepository {
	return &notificationRepository{notifications: NewCollection[models.Notification](NotificationsCollection, store, mem, writer)}
}

// Create goes through the batch writer; the id is assigned before enqueueing.
func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	id, err := r.notifications.Create(ctx, n.ID, *n)
	n.ID = id
	return err
}

func (r *notificationRepository) GetByID(ctx context.Context, id string) (*models.Notification, error) {
	return r.notifications.GetByID(ctx, id)
}

func (r *notificationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return r.notifications.Query(ctx, docstore.Query{OrderBy: "createdAt", Desc: true, Limit: limit}.
		Where("userId", docstore.OpEqual, userID))
}

func (r *notificationRepository) ListUnread(ctx context.Context, userID string) ([]models.Notification, error) {
	return r.notifications.Query(ctx, docstore.Query{}.
		Where("userId", docstore.OpEqual, userID).
		Where("read", docstore.OpEqual, false))
}

func (r *notificationRepository) MarkRead(ctx context.Context, id string) error {
	return r.notifications.Update(ctx, id, map[string]any{"read": true})
}

func (r *notificationRepository) Delete(ctx context.Context, id string) error {
	return r.notifications.Delete(ctx, id)
}
