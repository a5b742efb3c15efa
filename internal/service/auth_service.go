package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong
	// password so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRefreshToken covers unknown, expired and already used
	// refresh tokens.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrSigningUnavailable is returned when the service holds verify-only
	// key material.
	ErrSigningUnavailable = errors.New("token signing not configured")
)

const (
	minPasswordLength = 8
	decoyPassword     = "identity-service decoy password"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,32}$`)

// ValidationError reports a rejected field of a request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// PasswordHasher runs the CPU-bound credential work off the caller's
// goroutine.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, digest string) (ok, needsRehash bool, err error)
}

// TokenPolicy is the issuing and accepting policy of the service.
type TokenPolicy struct {
	Algorithm  auth.Algorithm
	Issuers    []string
	Audiences  []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// PolicyFromConfig builds the token policy from auth configuration.
func PolicyFromConfig(cfg config.AuthConfig) TokenPolicy {
	return TokenPolicy{
		Issuers:    cfg.Issuers,
		Audiences:  cfg.Audiences,
		AccessTTL:  cfg.AccessTokenTTL(),
		RefreshTTL: cfg.RefreshTokenTTL(),
		Leeway:     cfg.Leeway(),
	}
}

// TokenPair is the result of a successful sign-in, sign-up or refresh.
type TokenPair struct {
	TokenID          uuid.UUID
	AccessToken      string
	RefreshToken     string
	TokenType        string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	User             auth.UserSnapshot
}

// AuthService coordinates registration, sign-in and token lifecycles.
type AuthService struct {
	users    repository.UserRepository
	sessions repository.RefreshTokenRepository
	hasher   PasswordHasher
	keys     *auth.KeyMaterial
	authn    *auth.Authenticator
	policy   TokenPolicy
	events   events.Dispatcher
	metrics  *observability.Metrics
	logger   *zap.Logger

	// decoy is verified against when the email is unknown so both sign-in
	// failures cost one argon2 run.
	decoy string
}

// AuthDependencies encapsulates collaborators of the auth service.
type AuthDependencies struct {
	Users         repository.UserRepository
	RefreshTokens repository.RefreshTokenRepository
	Hasher        PasswordHasher
	Keys          *auth.KeyMaterial
	Events        events.Dispatcher
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(policy TokenPolicy, deps AuthDependencies) (*AuthService, error) {
	if deps.Keys == nil {
		return nil, auth.ErrMissingConfig
	}
	if deps.Users == nil || deps.RefreshTokens == nil || deps.Hasher == nil {
		return nil, errors.New("auth service: missing repository or hasher")
	}
	if policy.Algorithm == "" {
		policy.Algorithm = deps.Keys.DefaultAlgorithm()
	}
	if policy.AccessTTL <= 0 {
		policy.AccessTTL = auth.DefaultAccessTTL
	}
	if policy.RefreshTTL <= 0 {
		policy.RefreshTTL = 30 * 24 * time.Hour
	}
	if deps.Events == nil {
		deps.Events = events.NewInMemoryDispatcher(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	decoy, err := deps.Hasher.Hash(context.Background(), decoyPassword)
	if err != nil {
		return nil, fmt.Errorf("auth service: hash decoy digest: %w", err)
	}

	return &AuthService{
		users:    deps.Users,
		sessions: deps.RefreshTokens,
		hasher:   deps.Hasher,
		keys:     deps.Keys,
		authn: auth.NewAuthenticator(deps.Keys, auth.Policy{
			Algorithms: []auth.Algorithm{policy.Algorithm},
			Issuers:    policy.Issuers,
			Audiences:  policy.Audiences,
			Leeway:     policy.Leeway,
		}),
		policy:  policy,
		events:  deps.Events,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		decoy:   decoy,
	}, nil
}

// SignUp creates an account with the default role and signs it in.
func (s *AuthService) SignUp(ctx context.Context, username, email, password string) (*domain.User, *TokenPair, error) {
	username = strings.TrimSpace(username)
	email = normalizeEmail(email)

	if err := validateSignUp(username, email, password); err != nil {
		return nil, nil, err
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, nil, repository.ErrUserExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, err
	}
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, nil, repository.ErrUserExists
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, err
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, nil, err
	}

	user := &domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	s.events.Publish(ctx, events.NewEvent(events.EventUserSignedUp, user.ID, nil))
	return user, pair, nil
}

// SignIn checks credentials and issues a token pair. A digest hashed with
// weaker parameters is upgraded in place.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*domain.User, *TokenPair, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		_, _, _ = s.hasher.Verify(ctx, password, s.decoy)
		s.signInFailed(ctx, uuid.Nil, email, "unknown_email")
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	ok, needsRehash, err := s.hasher.Verify(ctx, password, user.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		s.signInFailed(ctx, user.ID, email, "wrong_password")
		return nil, nil, ErrInvalidCredentials
	}

	if needsRehash {
		s.rehash(ctx, user, password)
	}

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	s.events.Publish(ctx, events.NewEvent(events.EventUserSignedIn, user.ID, events.TokenIssuedPayload{
		TokenID:   pair.TokenID,
		ExpiresAt: pair.ExpiresAt,
	}))
	return user, pair, nil
}

// Refresh redeems a refresh token for a new pair. The presented token is
// spent even when the account has since disappeared.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if len(refreshToken) != auth.RefreshTokenLength {
		return nil, ErrInvalidRefreshToken
	}

	session, err := s.sessions.Consume(ctx, refreshToken)
	if errors.Is(err, repository.ErrRefreshTokenNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}

	pair, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.events.Publish(ctx, events.NewEvent(events.EventTokenRefreshed, user.ID, events.TokenIssuedPayload{
		TokenID:   pair.TokenID,
		ExpiresAt: pair.ExpiresAt,
	}))
	return pair, nil
}

// SignOut revokes a refresh token. Unknown tokens are ignored. Access tokens
// already issued stay valid until they expire.
func (s *AuthService) SignOut(ctx context.Context, refreshToken string) error {
	if len(refreshToken) != auth.RefreshTokenLength {
		return nil
	}

	session, err := s.sessions.Consume(ctx, refreshToken)
	if errors.Is(err, repository.ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.events.Publish(ctx, events.NewEvent(events.EventUserSignedOut, session.UserID, nil))
	return nil
}

// ChangePassword verifies the current password before storing a new digest.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return &ValidationError{Field: "new_password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}

	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	ok, _, err := s.hasher.Verify(ctx, currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return err
	}
	return s.users.UpdatePasswordHash(ctx, user.ID, hash)
}

// Authenticate validates an access token against the service policy and
// records the rejection kind on failure.
func (s *AuthService) Authenticate(token string) (*auth.Claims, error) {
	claims, err := s.authn.Authenticate(token)
	if err != nil {
		s.metrics.RecordTokenRejection(auth.Kind(err))
		return nil, err
	}
	return claims, nil
}

func (s *AuthService) issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	if !s.keys.CanSign() {
		return nil, ErrSigningUnavailable
	}

	enc := auth.NewEncoder(auth.SnapshotFromUser(*user)).
		Algorithm(s.policy.Algorithm).
		TTL(s.policy.AccessTTL).
		Issuer(s.policy.Issuers...).
		Audience(s.policy.Audiences...)
	claims := enc.Claims()

	access, err := enc.Encode(s.keys.Signing())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &domain.RefreshSession{
		Token:     auth.GenerateRefreshToken(),
		UserID:    user.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.policy.RefreshTTL),
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("save refresh session: %w", err)
	}

	s.metrics.RecordTokenIssued()

	return &TokenPair{
		TokenID:          claims.Subject,
		AccessToken:      access,
		RefreshToken:     session.Token,
		TokenType:        "Bearer",
		ExpiresAt:        claims.ExpiresAt.Time,
		RefreshExpiresAt: session.ExpiresAt,
		User:             claims.User,
	}, nil
}

func (s *AuthService) rehash(ctx context.Context, user *domain.User, password string) {
	hash, err := s.hasher.Hash(ctx, password)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		s.logger.Warn("password rehash failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		return
	}
	user.PasswordHash = hash
}

func (s *AuthService) signInFailed(ctx context.Context, userID uuid.UUID, email, reason string) {
	s.events.Publish(ctx, events.NewEvent(events.EventSignInFailed, userID, events.SignInFailedPayload{
		Email:  email,
		Reason: reason,
	}))
}

func validateSignUp(username, email, password string) error {
	if !usernamePattern.MatchString(username) {
		return &ValidationError{Field: "username", Reason: "3-32 letters, digits, '_' or '-'"}
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Reason: "invalid address"}
	}
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Reason: fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
