package service

import (
	"context"
	"time"

	"hearth/internal/models"
	"hearth/internal/repository"
)

// StatusNone is reported when two users have no friendship edge.
const StatusNone = "none"

// FriendService provides friend-request and friendship business logic.
type FriendService struct {
	friendRepo    repository.FriendRepository
	userRepo      repository.UserRepository
	notifications *NotificationService
	now           func() time.Time
}

// FriendStatus is the relationship between the caller and another user.
type FriendStatus struct {
	Status      string `json:"status"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// NewFriendService returns a new FriendService.
func NewFriendService(friendRepo repository.FriendRepository, userRepo repository.UserRepository, notifications *NotificationService, now func() time.Time) *FriendService {
	return &FriendService{
		friendRepo:    friendRepo,
		userRepo:      userRepo,
		notifications: notifications,
		now:           orNow(now),
	}
}

// edge returns the pair's friendship or nil. A read the rules refuse counts
// as no record.
func (s *FriendService) edge(ctx context.Context, a, b string) (*models.Friendship, error) {
	f, err := s.friendRepo.Get(ctx, a, b)
	if err != nil {
		if models.HasCode(err, models.CodeNotFound) || models.HasCode(err, models.CodePermissionDenied) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func (s *FriendService) mustEdge(ctx context.Context, a, b string) (*models.Friendship, error) {
	f, err := s.edge(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, models.NewNotFoundError("Friendship", models.PairKey(a, b))
	}
	return f, nil
}

// SendRequest sends a friend request from one user to another.
func (s *FriendService) SendRequest(ctx context.Context, fromID, toID string) (*models.Friendship, error) {
	if fromID == toID {
		return nil, models.NewValidationError("Cannot send friend request to yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, toID); err != nil {
		return nil, err
	}

	existing, err := s.edge(ctx, fromID, toID)
	if err != nil {
		return nil, err
	}
	now := nowMillis(s.now)

	var friendship *models.Friendship
	if existing != nil {
		switch existing.Status {
		case models.FriendshipStatusAccepted:
			return nil, models.NewConflictError("You are already friends")
		case models.FriendshipStatusPending:
			if existing.RequestedBy == fromID {
				return nil, models.NewConflictError("Friend request already sent")
			}
			return nil, models.NewConflictError("You already have a pending friend request from this user")
		case models.FriendshipStatusBlocked:
			return nil, models.NewForbiddenError("You cannot send a friend request to this user")
		}
		// A rejected edge is reopened with the new direction.
		existing.RequestedBy = fromID
		if err := s.friendRepo.UpdateStatus(ctx, existing, models.FriendshipStatusPending, now); err != nil {
			return nil, err
		}
		friendship = existing
	} else {
		friendship = models.NewFriendship(fromID, toID, now)
		if err := s.friendRepo.Save(ctx, friendship); err != nil {
			return nil, err
		}
	}

	s.notifications.notifySecondary(ctx, &models.Notification{
		UserID:   toID,
		ActorID:  fromID,
		Type:     models.NotificationFriendRequest,
		EntityID: friendship.ID,
	})
	return friendship, nil
}

// pendingFor loads the pending request between the pair that userID received.
func (s *FriendService) pendingFor(ctx context.Context, userID, otherID string) (*models.Friendship, error) {
	f, err := s.mustEdge(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if f.Status != models.FriendshipStatusPending {
		return nil, models.NewValidationError("There is no pending friend request")
	}
	if f.Addressee() != userID {
		return nil, models.NewForbiddenError("You can only answer friend requests sent to you")
	}
	return f, nil
}

// Accept accepts the pending request otherID sent to userID.
func (s *FriendService) Accept(ctx context.Context, userID, otherID string) (*models.Friendship, error) {
	f, err := s.pendingFor(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if err := s.friendRepo.UpdateStatus(ctx, f, models.FriendshipStatusAccepted, nowMillis(s.now)); err != nil {
		return nil, err
	}
	s.notifications.notifySecondary(ctx, &models.Notification{
		UserID:   otherID,
		ActorID:  userID,
		Type:     models.NotificationFriendAccept,
		EntityID: f.ID,
	})
	return f, nil
}

// Reject rejects the pending request otherID sent to userID.
func (s *FriendService) Reject(ctx context.Context, userID, otherID string) (*models.Friendship, error) {
	f, err := s.pendingFor(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if err := s.friendRepo.UpdateStatus(ctx, f, models.FriendshipStatusRejected, nowMillis(s.now)); err != nil {
		return nil, err
	}
	return f, nil
}

// Cancel withdraws a pending request userID sent.
func (s *FriendService) Cancel(ctx context.Context, userID, otherID string) error {
	f, err := s.mustEdge(ctx, userID, otherID)
	if err != nil {
		return err
	}
	if f.Status != models.FriendshipStatusPending {
		return models.NewValidationError("There is no pending friend request")
	}
	if f.RequestedBy != userID {
		return models.NewForbiddenError("You can only cancel requests you sent")
	}
	return s.friendRepo.Delete(ctx, userID, otherID)
}

// Remove unfriends, or clears a rejected request.
func (s *FriendService) Remove(ctx context.Context, userID, otherID string) error {
	f, err := s.mustEdge(ctx, userID, otherID)
	if err != nil {
		return err
	}
	switch f.Status {
	case models.FriendshipStatusAccepted, models.FriendshipStatusRejected:
		return s.friendRepo.Delete(ctx, userID, otherID)
	case models.FriendshipStatusBlocked:
		return models.NewForbiddenError("Blocked users can only be unblocked")
	default:
		return models.NewValidationError("Pending requests must be cancelled or rejected")
	}
}

// Block marks the pair as blocked by userID, replacing any other state.
func (s *FriendService) Block(ctx context.Context, userID, otherID string) (*models.Friendship, error) {
	if userID == otherID {
		return nil, models.NewValidationError("Cannot block yourself")
	}
	existing, err := s.edge(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	now := nowMillis(s.now)
	if existing == nil {
		f := models.NewFriendship(userID, otherID, now)
		f.Status = models.FriendshipStatusBlocked
		if err := s.friendRepo.Save(ctx, f); err != nil {
			return nil, err
		}
		return f, nil
	}
	if existing.Status == models.FriendshipStatusBlocked {
		if existing.RequestedBy == userID {
			return existing, nil
		}
		return nil, models.NewForbiddenError("This user has blocked you")
	}
	existing.RequestedBy = userID
	if err := s.friendRepo.UpdateStatus(ctx, existing, models.FriendshipStatusBlocked, now); err != nil {
		return nil, err
	}
	return existing, nil
}

// Unblock lifts a block. Only the blocker can do it, and it removes the edge.
func (s *FriendService) Unblock(ctx context.Context, userID, otherID string) error {
	f, err := s.mustEdge(ctx, userID, otherID)
	if err != nil {
		return err
	}
	if f.Status != models.FriendshipStatusBlocked || f.RequestedBy != userID {
		return models.NewForbiddenError("Only the user who blocked can unblock")
	}
	return s.friendRepo.Delete(ctx, userID, otherID)
}

func (s *FriendService) Status(ctx context.Context, userID, otherID string) (FriendStatus, error) {
	f, err := s.edge(ctx, userID, otherID)
	if err != nil {
		return FriendStatus{}, err
	}
	if f == nil {
		return FriendStatus{Status: StatusNone}, nil
	}
	return FriendStatus{Status: string(f.Status), RequestedBy: f.RequestedBy}, nil
}

// ListFriends returns the public profiles of the user's friends. Profiles
// that no longer exist are skipped.
func (s *FriendService) ListFriends(ctx context.Context, userID string) ([]models.User, error) {
	edges, err := s.friendRepo.ListByMember(ctx, userID, models.FriendshipStatusAccepted)
	if err != nil {
		return nil, err
	}
	friends := make([]models.User, 0, len(edges))
	for i := range edges {
		u, err := s.userRepo.GetByID(ctx, edges[i].Other(userID))
		if err != nil {
			if models.HasCode(err, models.CodeNotFound) {
				continue
			}
			return nil, err
		}
		friends = append(friends, u.PublicProfile())
	}
	return friends, nil
}

func (s *FriendService) pending(ctx context.Context, userID string, outgoing bool) ([]models.Friendship, error) {
	edges, err := s.friendRepo.ListByMember(ctx, userID, models.FriendshipStatusPending)
	if err != nil {
		return nil, err
	}
	out := make([]models.Friendship, 0, len(edges))
	for _, f := range edges {
		if (f.RequestedBy == userID) == outgoing {
			out = append(out, f)
		}
	}
	return out, nil
}

// ListPendingIncoming returns requests waiting for userID's answer.
func (s *FriendService) ListPendingIncoming(ctx context.Context, userID string) ([]models.Friendship, error) {
	return s.pending(ctx, userID, false)
}

// ListPendingOutgoing returns requests userID sent that are still open.
func (s *FriendService) ListPendingOutgoing(ctx context.Context, userID string) ([]models.Friendship, error) {
	return s.pending(ctx, userID, true)
}
