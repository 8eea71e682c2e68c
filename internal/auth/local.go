package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// PasswordProvider names accounts created with an email and password.
const PasswordProvider = "password"

const (
	tokenIssuer      = "hearth-api"
	tokenAudience    = "hearth-client"
	minPasswordChars = 6
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ResetSink delivers a password reset token to the account owner.
type ResetSink func(ctx context.Context, email, token string) error

// LogResetSink writes reset tokens to the application log. It stands in for
// an email sender in local and test deployments.
func LogResetSink(ctx context.Context, email, token string) error {
	observability.GlobalLogger.InfoContext(ctx, "password reset issued",
		slog.String("email", email),
		slog.String("token", token),
	)
	return nil
}

// LocalConfig configures a LocalProvider.
type LocalConfig struct {
	Secret     string
	TokenTTL   time.Duration
	ResetTTL   time.Duration
	BcryptCost int
	ResetSink  ResetSink
	Now        func() time.Time
}

// LocalProvider keeps accounts in the accounts collection, hashes passwords
// with bcrypt and issues HS256 session tokens.
type LocalProvider struct {
	accounts repository.AccountRepository
	cfg      LocalConfig
	state    stateListeners
}

// NewLocalProvider creates a provider over the given account repository.
func NewLocalProvider(accounts repository.AccountRepository, cfg LocalConfig) *LocalProvider {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.ResetSink == nil {
		cfg.ResetSink = LogResetSink
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LocalProvider{accounts: accounts, cfg: cfg}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if !emailRegex.MatchString(email) {
		return newError(CodeInvalidEmail, nil)
	}
	if len(password) < minPasswordChars {
		return newError(CodeWeakPassword, fmt.Errorf("password must be at least %d characters", minPasswordChars))
	}
	return nil
}

// lookup maps a missing account to ok=false and any other failure to an internal error.
func (p *LocalProvider) lookup(account *models.Account, err error) (*models.Account, bool, error) {
	if err == nil {
		return account, true, nil
	}
	if models.HasCode(err, models.CodeNotFound) {
		return nil, false, nil
	}
	return nil, false, newError(CodeInternal, err)
}

// SignUp creates a password account and signs it in.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	if _, found, err := p.lookup(p.accounts.GetByEmail(ctx, email)); err != nil {
		return nil, err
	} else if found {
		return nil, newError(CodeEmailInUse, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return nil, newError(CodeInternal, err)
	}
	account := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Provider:     PasswordProvider,
		CreatedAt:    p.cfg.Now().UnixMilli(),
	}
	if err := p.accounts.Create(ctx, account); err != nil {
		return nil, newError(CodeInternal, err)
	}
	return p.startSession(account, true)
}

// SignIn checks a password and issues a session token.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	account, found, err := p.lookup(p.accounts.GetByEmail(ctx, email))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(CodeUserNotFound, nil)
	}
	if account.PasswordHash == "" {
		return nil, newError(CodeCredentialConflict, fmt.Errorf("account uses %s sign-in", account.Provider))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, newError(CodeWrongPassword, nil)
	}
	return p.startSession(account, false)
}

// SignOut revokes every token issued to the user so far.
func (p *LocalProvider) SignOut(ctx context.Context, userID string) error {
	if err := p.accounts.Update(ctx, userID, map[string]any{"revokedBefore": p.cfg.Now().UnixMilli()}); err != nil {
		if models.HasCode(err, models.CodeNotFound) {
			return newError(CodeUserNotFound, nil)
		}
		return newError(CodeInternal, err)
	}
	p.state.emit(StateChange{UserID: userID, SignedIn: false})
	return nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SendPasswordReset issues a single-use reset token. Unknown emails succeed
// silently so the endpoint does not reveal which addresses have accounts.
func (p *LocalProvider) SendPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !emailRegex.MatchString(email) {
		return newError(CodeInvalidEmail, nil)
	}
	account, found, err := p.lookup(p.accounts.GetByEmail(ctx, email))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return newError(CodeInternal, err)
	}
	token := hex.EncodeToString(raw)
	err = p.accounts.Update(ctx, account.ID, map[string]any{
		"resetTokenHash": hashResetToken(token),
		"resetExpiresAt": p.cfg.Now().Add(p.cfg.ResetTTL).UnixMilli(),
	})
	if err != nil {
		return newError(CodeInternal, err)
	}
	if err := p.cfg.ResetSink(ctx, email, token); err != nil {
		return newError(CodeInternal, err)
	}
	return nil
}

// ResetPassword consumes a reset token and revokes existing sessions.
func (p *LocalProvider) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordChars {
		return newError(CodeWeakPassword, fmt.Errorf("password must be at least %d characters", minPasswordChars))
	}
	account, found, err := p.lookup(p.accounts.GetByResetToken(ctx, hashResetToken(token)))
	if err != nil {
		return err
	}
	if !found || token == "" {
		return newError(CodeInvalidActionCode, nil)
	}
	now := p.cfg.Now()
	if now.UnixMilli() > account.ResetExpiresAt {
		return newError(CodeExpiredActionCode, nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.cfg.BcryptCost)
	if err != nil {
		return newError(CodeInternal, err)
	}
	err = p.accounts.Update(ctx, account.ID, map[string]any{
		"passwordHash":   string(hash),
		"resetTokenHash": "",
		"resetExpiresAt": 0,
		"revokedBefore":  now.UnixMilli(),
	})
	if err != nil {
		return newError(CodeInternal, err)
	}
	return nil
}

// VerifyToken validates a session token and returns its subject.
func (p *LocalProvider) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(p.cfg.Secret), nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.cfg.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", newError(CodeTokenExpired, err)
		}
		return "", newError(CodeInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", newError(CodeInvalidToken, nil)
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return "", newError(CodeInvalidToken, errors.New("missing subject"))
	}
	authTime, _ := claims["auth_time"].(float64)

	account, found, err := p.lookup(p.accounts.GetByID(ctx, userID))
	if err != nil {
		return "", err
	}
	if !found {
		return "", newError(CodeUserNotFound, nil)
	}
	if int64(authTime) <= account.RevokedBefore {
		return "", newError(CodeTokenRevoked, nil)
	}
	return userID, nil
}

// SignInWithIdentity finds the account linked to a social identity, links
// an existing account with the same email, or creates a new one.
func (p *LocalProvider) SignInWithIdentity(ctx context.Context, profile IdentityProfile) (*Session, error) {
	if profile.Provider == "" || profile.ProviderUID == "" || profile.Provider == PasswordProvider {
		return nil, newError(CodeInvalidIdentity, nil)
	}
	profile.Email = normalizeEmail(profile.Email)

	account, found, err := p.lookup(p.accounts.GetByProviderUID(ctx, profile.Provider, profile.ProviderUID))
	if err != nil {
		return nil, err
	}
	if found {
		return p.startSession(account, false)
	}

	if profile.Email != "" {
		account, found, err = p.lookup(p.accounts.GetByEmail(ctx, profile.Email))
		if err != nil {
			return nil, err
		}
		if found {
			// Already linked to a different identity.
			if account.ProviderUID != "" {
				return nil, newError(CodeCredentialConflict, nil)
			}
			err := p.accounts.Update(ctx, account.ID, map[string]any{
				"provider":    profile.Provider,
				"providerUid": profile.ProviderUID,
			})
			if err != nil {
				return nil, newError(CodeInternal, err)
			}
			account.Provider = profile.Provider
			account.ProviderUID = profile.ProviderUID
			return p.startSession(account, false)
		}
	}

	account = &models.Account{
		ID:          uuid.NewString(),
		Email:       profile.Email,
		Provider:    profile.Provider,
		ProviderUID: profile.ProviderUID,
		CreatedAt:   p.cfg.Now().UnixMilli(),
	}
	if err := p.accounts.Create(ctx, account); err != nil {
		return nil, newError(CodeInternal, err)
	}
	return p.startSession(account, true)
}

// OnAuthStateChanged registers fn for sign-in and sign-out events.
func (p *LocalProvider) OnAuthStateChanged(fn func(StateChange)) func() {
	return p.state.add(fn)
}

func (p *LocalProvider) startSession(account *models.Account, isNew bool) (*Session, error) {
	token, expires, err := p.generateToken(account)
	if err != nil {
		return nil, newError(CodeInternal, err)
	}
	p.state.emit(StateChange{UserID: account.ID, SignedIn: true})
	return &Session{
		UserID:    account.ID,
		Email:     account.Email,
		Token:     token,
		ExpiresAt: expires,
		IsNew:     isNew,
	}, nil
}

// generateToken creates a JWT for the account.
func (p *LocalProvider) generateToken(account *models.Account) (string, time.Time, error) {
	if p.cfg.Secret == "" {
		return "", time.Time{}, fmt.Errorf("JWT secret not configured")
	}

	now := p.cfg.Now()
	expires := now.Add(p.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"sub":       account.ID,
		"email":     account.Email,
		"iss":       tokenIssuer,
		"aud":       tokenAudience,
		"exp":       expires.Unix(),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"auth_time": now.UnixMilli(),
		"jti":       generateJTI(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.cfg.Secret))
	return signed, expires, err
}

// generateJTI creates a unique JWT ID.
func generateJTI(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.Unix(), uuid.New().String()[:8])
}
