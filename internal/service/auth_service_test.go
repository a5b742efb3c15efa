package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
	"github.com/spec-kit/identity-service/internal/worker"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]domain.User
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: make(map[uuid.UUID]domain.User)}
}

func (m *memoryUsers) Create(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email || u.Username == user.Username {
			return repository.ErrUserExists
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = *user
	return nil
}

func (m *memoryUsers) find(match func(domain.User) bool) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			u := u
			return &u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memoryUsers) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	return m.find(func(u domain.User) bool { return u.ID == id })
}

func (m *memoryUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	return m.find(func(u domain.User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *memoryUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	return m.find(func(u domain.User) bool { return u.Username == username })
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	m.users[id] = u
	return nil
}

func (m *memoryUsers) delete(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func cheapArgon2(passes uint32) auth.Argon2Config {
	return auth.Argon2Config{Time: passes, Memory: 8 * 1024, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

type fixture struct {
	svc     *AuthService
	users   *memoryUsers
	redis   *miniredis.Miniredis
	metrics *observability.Metrics
	keys    *auth.KeyMaterial
	events  *eventRecorder
}

type eventRecorder struct {
	mu   sync.Mutex
	seen []events.Event
}

func (r *eventRecorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e)
	return nil
}

func (r *eventRecorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.seen))
	for _, e := range r.seen {
		out = append(out, e.Type)
	}
	return out
}

type countingHasher struct {
	PasswordHasher
	verifies atomic.Int32
}

func (c *countingHasher) Verify(ctx context.Context, password, digest string) (bool, bool, error) {
	c.verifies.Add(1)
	return c.PasswordHasher.Verify(ctx, password, digest)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithHasher(t, nil)
}

// newFixtureWithHasher lets a test wrap the pooled hasher.
func newFixtureWithHasher(t *testing.T, wrap func(PasswordHasher) PasswordHasher) *fixture {
	t.Helper()

	hasher, err := auth.NewHasher(cheapArgon2(2))
	require.NoError(t, err)
	pool := worker.NewHashPool(hasher, 2, 4, zap.NewNop())
	t.Cleanup(pool.Close)

	var passwords PasswordHasher = pool
	if wrap != nil {
		passwords = wrap(pool)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	keys, err := auth.FromSharedSecret([]byte("service-test-secret"))
	require.NoError(t, err)

	recorder := &eventRecorder{}
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	events.SubscribeAll(dispatcher, recorder.handle)

	users := newMemoryUsers()
	metrics := observability.NewMetrics()

	svc, err := NewAuthService(TokenPolicy{
		Issuers:   []string{"https://api.lerpz.com"},
		Audiences: []string{"https://lerpz.com"},
	}, AuthDependencies{
		Users:         users,
		RefreshTokens: repository.NewRefreshTokenRepository(client),
		Hasher:        passwords,
		Keys:          keys,
		Events:        dispatcher,
		Metrics:       metrics,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)

	return &fixture{svc: svc, users: users, redis: mr, metrics: metrics, keys: keys, events: recorder}
}

func TestSignUpIssuesUsableTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, pair, err := f.svc.SignUp(ctx, "alice", " Alice@Example.com ", "correct horse")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.True(t, strings.HasPrefix(user.PasswordHash, "$argon2id$"))
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Len(t, pair.RefreshToken, auth.RefreshTokenLength)
	assert.True(t, f.redis.Exists("refresh:"+pair.RefreshToken))

	claims, err := f.svc.Authenticate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.User.ID)
	assert.Equal(t, pair.TokenID, claims.Subject)
	assert.Equal(t, domain.RoleUser, claims.User.Role)
	assert.WithinDuration(t, time.Now().Add(auth.DefaultAccessTTL), pair.ExpiresAt, 2*time.Second)

	assert.Equal(t, int64(1), f.metrics.Snapshot().TokensIssued)
	assert.Equal(t, []events.EventType{events.EventUserSignedUp}, f.events.types())
}

func TestSignUpValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name                      string
		username, email, password string
		field                     string
	}{
		{"short username", "al", "a@example.com", "password1", "username"},
		{"bad username", "al ice", "a@example.com", "password1", "username"},
		{"bad email", "alice", "not-an-email", "password1", "email"},
		{"display name email", "alice", "Alice <a@example.com>", "password1", "email"},
		{"short password", "alice", "a@example.com", "short", "password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.SignUp(ctx, tc.username, tc.email, tc.password)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSignUpDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.SignUp(ctx, "alice", "alice@example.com", "password1")
	require.NoError(t, err)

	_, _, err = f.svc.SignUp(ctx, "alice2", "ALICE@example.com", "password1")
	assert.ErrorIs(t, err, repository.ErrUserExists)

	_, _, err = f.svc.SignUp(ctx, "alice", "other@example.com", "password1")
	assert.ErrorIs(t, err, repository.ErrUserExists)
}

func TestSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _, err := f.svc.SignUp(ctx, "bob", "bob@example.com", "password1")
	require.NoError(t, err)

	user, pair, err := f.svc.SignIn(ctx, "BOB@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	_, err = f.svc.Authenticate(pair.AccessToken)
	assert.NoError(t, err)

	_, _, err = f.svc.SignIn(ctx, "bob@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = f.svc.SignIn(ctx, "nobody@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Equal(t, []events.EventType{
		events.EventUserSignedUp,
		events.EventUserSignedIn,
		events.EventSignInFailed,
		events.EventSignInFailed,
	}, f.events.types())
}

func TestSignInFailuresCostOneVerify(t *testing.T) {
	counter := &countingHasher{}
	f := newFixtureWithHasher(t, func(h PasswordHasher) PasswordHasher {
		counter.PasswordHasher = h
		return counter
	})
	ctx := context.Background()

	_, _, err := f.svc.SignUp(ctx, "dora", "dora@example.com", "password1")
	require.NoError(t, err)

	counter.verifies.Store(0)
	_, _, err = f.svc.SignIn(ctx, "nobody@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, int32(1), counter.verifies.Load(), "unknown email")

	counter.verifies.Store(0)
	_, _, err = f.svc.SignIn(ctx, "dora@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, int32(1), counter.verifies.Load(), "wrong password")
}

func TestSignInUpgradesWeakDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	weak, err := auth.NewHasher(cheapArgon2(1))
	require.NoError(t, err)
	digest, err := weak.HashPassword("password1")
	require.NoError(t, err)

	user := &domain.User{Username: "carol", Email: "carol@example.com", PasswordHash: digest, Role: domain.RoleModerator}
	require.NoError(t, f.users.Create(ctx, user))

	_, _, err = f.svc.SignIn(ctx, "carol@example.com", "password1")
	require.NoError(t, err)

	stored, err := f.users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, digest, stored.PasswordHash)
	assert.Contains(t, stored.PasswordHash, "t=2")

	// The upgraded digest still verifies.
	_, _, err = f.svc.SignIn(ctx, "carol@example.com", "password1")
	assert.NoError(t, err)
}

func TestRefreshRotates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, first, err := f.svc.SignUp(ctx, "dave", "dave@example.com", "password1")
	require.NoError(t, err)

	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.TokenID, second.TokenID)

	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.svc.Refresh(ctx, "short")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	f.redis.FastForward(31 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshForDeletedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, pair, err := f.svc.SignUp(ctx, "erin", "erin@example.com", "password1")
	require.NoError(t, err)
	f.users.delete(user.ID)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.False(t, f.redis.Exists("refresh:"+pair.RefreshToken))
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, pair, err := f.svc.SignUp(ctx, "frank", "frank@example.com", "password1")
	require.NoError(t, err)

	require.NoError(t, f.svc.SignOut(ctx, pair.RefreshToken))
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// Repeating is harmless.
	assert.NoError(t, f.svc.SignOut(ctx, pair.RefreshToken))
	assert.NoError(t, f.svc.SignOut(ctx, "garbage"))

	// The access token is stateless and outlives sign-out.
	_, err = f.svc.Authenticate(pair.AccessToken)
	assert.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, _, err := f.svc.SignUp(ctx, "grace", "grace@example.com", "password1")
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, user.ID, "wrong-password", "password2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	var verr *ValidationError
	err = f.svc.ChangePassword(ctx, user.ID, "password1", "short")
	require.ErrorAs(t, err, &verr)

	require.NoError(t, f.svc.ChangePassword(ctx, user.ID, "password1", "password2"))

	_, _, err = f.svc.SignIn(ctx, "grace@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = f.svc.SignIn(ctx, "grace@example.com", "password2")
	assert.NoError(t, err)
}

func TestAuthenticateRecordsRejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Authenticate("not-a-token")
	assert.ErrorIs(t, err, auth.ErrMalformedToken)

	foreign, err := auth.NewEncoder(auth.UserSnapshot{ID: uuid.New(), Role: domain.RoleUser}).
		Issuer("https://evil.example").
		Audience("https://lerpz.com").
		Encode(f.keys.Signing())
	require.NoError(t, err)
	_, err = f.svc.Authenticate(foreign)
	assert.ErrorIs(t, err, auth.ErrIssuerMismatch)

	other, err := auth.FromSharedSecret([]byte("another-secret"))
	require.NoError(t, err)
	forged, err := auth.NewEncoder(auth.UserSnapshot{ID: uuid.New(), Role: domain.RoleUser}).
		Issuer("https://api.lerpz.com").
		Audience("https://lerpz.com").
		Encode(other.Signing())
	require.NoError(t, err)
	_, err = f.svc.Authenticate(forged)
	assert.ErrorIs(t, err, auth.ErrSignatureInvalid)

	rejections := f.metrics.Snapshot().TokenRejections
	assert.Equal(t, int64(1), rejections["malformed_token"])
	assert.Equal(t, int64(1), rejections["issuer_mismatch"])
	assert.Equal(t, int64(1), rejections["signature_invalid"])
}

func TestVerifyOnlyServiceCannotIssue(t *testing.T) {
	hasher, err := auth.NewHasher(cheapArgon2(1))
	require.NoError(t, err)
	pool := worker.NewHashPool(hasher, 1, 1, nil)
	t.Cleanup(pool.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	signing := fixturePEMKeys(t)
	verifyOnly, err := auth.FromEdPublicPEM(signing.publicPEM)
	require.NoError(t, err)

	svc, err := NewAuthService(TokenPolicy{}, AuthDependencies{
		Users:         newMemoryUsers(),
		RefreshTokens: repository.NewRefreshTokenRepository(client),
		Hasher:        pool,
		Keys:          verifyOnly,
	})
	require.NoError(t, err)

	_, _, err = svc.SignUp(context.Background(), "henry", "henry@example.com", "password1")
	assert.ErrorIs(t, err, ErrSigningUnavailable)

	token, err := auth.NewEncoder(auth.UserSnapshot{ID: uuid.New(), Role: domain.RoleUser}).Encode(signing.keys.Signing())
	require.NoError(t, err)
	_, err = svc.Authenticate(token)
	assert.NoError(t, err)
}

func TestNewAuthServiceRequiresKeys(t *testing.T) {
	_, err := NewAuthService(TokenPolicy{}, AuthDependencies{})
	assert.ErrorIs(t, err, auth.ErrMissingConfig)
}

type pemKeys struct {
	keys      *auth.KeyMaterial
	publicPEM []byte
}

func fixturePEMKeys(t *testing.T) pemKeys {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	keys, err := auth.FromEdPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), publicPEM)
	require.NoError(t, err)
	return pemKeys{keys: keys, publicPEM: publicPEM}
}
