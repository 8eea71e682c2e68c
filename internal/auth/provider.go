// Package auth implements the identity provider used by the API: account
// credentials, session tokens and auth-state notifications.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Provider error codes.
const (
	CodeEmailInUse         = "auth/email-already-in-use"
	CodeInvalidEmail       = "auth/invalid-email"
	CodeWeakPassword       = "auth/weak-password"
	CodeUserNotFound       = "auth/user-not-found"
	CodeWrongPassword      = "auth/wrong-password"
	CodeInvalidToken       = "auth/invalid-id-token"
	CodeTokenExpired       = "auth/id-token-expired"
	CodeTokenRevoked       = "auth/id-token-revoked"
	CodeInvalidActionCode  = "auth/invalid-action-code"
	CodeExpiredActionCode  = "auth/expired-action-code"
	CodeCredentialConflict = "auth/account-exists-with-different-credential"
	CodeInvalidIdentity    = "auth/invalid-credential"
	CodeInternal           = "auth/internal-error"
)

// Error is a provider failure carrying a provider code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the provider code of err, or CodeInternal for foreign errors.
func CodeOf(err error) string {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return CodeInternal
}

// Session is the result of a successful sign-in.
type Session struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsNew     bool      `json:"isNew"`
}

// IdentityProfile is what a social identity provider vouches for.
type IdentityProfile struct {
	Provider    string `json:"provider"`
	ProviderUID string `json:"providerUid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// StateChange is delivered to auth-state listeners.
type StateChange struct {
	UserID   string
	SignedIn bool
}

// Provider is the identity provider contract.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, userID string) error
	SendPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
	VerifyToken(ctx context.Context, token string) (string, error)
	SignInWithIdentity(ctx context.Context, profile IdentityProfile) (*Session, error)
	OnAuthStateChanged(fn func(StateChange)) (unsubscribe func())
}

// stateListeners fans auth-state changes out to registered callbacks.
type stateListeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(StateChange)
}

func (l *stateListeners) add(fn func(StateChange)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = map[int]func(StateChange){}
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *stateListeners) emit(change StateChange) {
	l.mu.Lock()
	fns := make([]func(StateChange), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}
