package models

// FriendshipStatus represents the status of a friendship edge.
type FriendshipStatus string

const (
	FriendshipStatusPending  FriendshipStatus = "pending"
	FriendshipStatusAccepted FriendshipStatus = "accepted"
	FriendshipStatusRejected FriendshipStatus = "rejected"
	FriendshipStatusBlocked  FriendshipStatus = "blocked"
)

// Friendship is the single document kept per unordered pair of users.
// ID is PairKey(UserA, UserB); RequestedBy tells the direction of the request
// (or the blocker, for blocked edges).
type Friendship struct {
	ID          string           `json:"id"`
	UserA       string           `json:"userA"`
	UserB       string           `json:"userB"`
	Members     []string         `json:"members"`
	Status      FriendshipStatus `json:"status"`
	RequestedBy string           `json:"requestedBy"`
	CreatedAt   int64            `json:"createdAt"`
	UpdatedAt   int64            `json:"updatedAt"`
}

// NewFriendship builds a pending request from requester to addressee.
func NewFriendship(requester, addressee string, now int64) *Friendship {
	a, b := requester, addressee
	if b < a {
		a, b = b, a
	}
	return &Friendship{
		ID:          PairKey(requester, addressee),
		UserA:       a,
		UserB:       b,
		Members:     []string{a, b},
		Status:      FriendshipStatusPending,
		RequestedBy: requester,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Other returns the member that is not userID.
func (f *Friendship) Other(userID string) string {
	if f.UserA == userID {
		return f.UserB
	}
	return f.UserA
}

// Addressee returns the user that received the request.
func (f *Friendship) Addressee() string {
	return f.Other(f.RequestedBy)
}

// NotificationType names the event a notification describes.
type NotificationType string

const (
	NotificationFollow        NotificationType = "follow"
	NotificationFriendRequest NotificationType = "friend_request"
	NotificationFriendAccept  NotificationType = "friend_accept"
	NotificationMessage       NotificationType = "message"
)

// Notification is a per-user inbox entry.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	ActorID   string           `json:"actorId"`
	Type      NotificationType `json:"type"`
	EntityID  string           `json:"entityId,omitempty"`
	Text      string           `json:"text,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt int64            `json:"createdAt"`
}
