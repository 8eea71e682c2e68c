package service

import (
	"context"
	"time"

	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/repository"
)

// FollowService manages directed follow edges and the denormalized counters.
type FollowService struct {
	followRepo    repository.FollowRepository
	userRepo      repository.UserRepository
	notifications *NotificationService
	now           func() time.Time
}

func NewFollowService(followRepo repository.FollowRepository, userRepo repository.UserRepository, notifications *NotificationService, now func() time.Time) *FollowService {
	return &FollowService{
		followRepo:    followRepo,
		userRepo:      userRepo,
		notifications: notifications,
		now:           orNow(now),
	}
}

// Follow creates the follower -> following edge. Counter updates and the
// notification are secondary effects.
func (s *FollowService) Follow(ctx context.Context, followerID, followingID string) (*models.Follow, error) {
	if followerID == followingID {
		return nil, models.NewValidationError("Cannot follow yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, followingID); err != nil {
		return nil, err
	}

	_, err := s.followRepo.Get(ctx, followerID, followingID)
	switch {
	case err == nil:
		return nil, models.NewConflictError("Already following this user")
	case !models.HasCode(err, models.CodeNotFound):
		return nil, err
	}

	follow := &models.Follow{
		FollowerID:  followerID,
		FollowingID: followingID,
		CreatedAt:   nowMillis(s.now),
	}
	if err := s.followRepo.Create(ctx, follow); err != nil {
		return nil, err
	}

	s.adjustCounters(ctx, followerID, followingID, 1)
	s.notifications.notifySecondary(ctx, &models.Notification{
		UserID:   followingID,
		ActorID:  followerID,
		Type:     models.NotificationFollow,
		EntityID: follow.ID,
	})
	return follow, nil
}

// Unfollow removes the edge and decrements both counters.
func (s *FollowService) Unfollow(ctx context.Context, followerID, followingID string) error {
	if _, err := s.followRepo.Get(ctx, followerID, followingID); err != nil {
		return err
	}
	if err := s.followRepo.Delete(ctx, followerID, followingID); err != nil {
		return err
	}
	s.adjustCounters(ctx, followerID, followingID, -1)
	return nil
}

func (s *FollowService) adjustCounters(ctx context.Context, followerID, followingID string, delta int64) {
	if err := s.userRepo.IncrementCounter(ctx, followerID, "following", delta); err != nil {
		observability.LogSecondary(ctx, "follow_counter", err, map[string]interface{}{"user_id": followerID})
	}
	if err := s.userRepo.IncrementCounter(ctx, followingID, "followers", delta); err != nil {
		observability.LogSecondary(ctx, "follow_counter", err, map[string]interface{}{"user_id": followingID})
	}
}

func (s *FollowService) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	_, err := s.followRepo.Get(ctx, followerID, followingID)
	if err == nil {
		return true, nil
	}
	if models.HasCode(err, models.CodeNotFound) {
		return false, nil
	}
	return false, err
}

func (s *FollowService) ListFollowers(ctx context.Context, userID string) ([]models.Follow, error) {
	return s.followRepo.ListFollowers(ctx, userID)
}

func (s *FollowService) ListFollowing(ctx context.Context, userID string) ([]models.Follow, error) {
	return s.followRepo.ListFollowing(ctx, userID)
}
