// Package models holds the documents and realtime records exchanged by the services.
package models

import (
	"sort"
	"strings"
)

// User is a profile document in the users collection.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	UsernameLower string `json:"usernameLower"`
	DisplayName   string `json:"displayName,omitempty"`
	Email         string `json:"email,omitempty"`
	PhotoURL      string `json:"photoURL,omitempty"`
	Bio           string `json:"bio,omitempty"`
	Followers     int64  `json:"followers"`
	Following     int64  `json:"following"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
}

// PublicProfile hides the email of a user shown to someone else.
func (u User) PublicProfile() User {
	u.Email = ""
	return u
}

// Follow is a directed edge keyed by follower and followee.
type Follow struct {
	ID          string `json:"id"`
	FollowerID  string `json:"followerId"`
	FollowingID string `json:"followingId"`
	CreatedAt   int64  `json:"createdAt"`
}

// FollowID returns the document id of the follower -> following edge.
func FollowID(followerID, followingID string) string {
	return followerID + "_" + followingID
}

// PairKey returns the order-independent key for two user ids.
// PairKey(a, b) == PairKey(b, a) for all a, b.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Account is the credential record kept by the local auth provider.
type Account struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	PasswordHash   string `json:"passwordHash,omitempty"`
	Provider       string `json:"provider"`
	ProviderUID    string `json:"providerUid,omitempty"`
	ResetTokenHash string `json:"resetTokenHash,omitempty"`
	ResetExpiresAt int64  `json:"resetExpiresAt,omitempty"`
	RevokedBefore  int64  `json:"revokedBefore,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}
