package http

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/api/http/handlers"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
	"github.com/spec-kit/identity-service/internal/service"
)

type stubAuth struct {
	user       *domain.User
	pair       *service.TokenPair
	err        error
	changedFor uuid.UUID
}

func (s *stubAuth) SignUp(context.Context, string, string, string) (*domain.User, *service.TokenPair, error) {
	return s.user, s.pair, s.err
}

func (s *stubAuth) SignIn(context.Context, string, string) (*domain.User, *service.TokenPair, error) {
	return s.user, s.pair, s.err
}

func (s *stubAuth) Refresh(context.Context, string) (*service.TokenPair, error) {
	return s.pair, s.err
}

func (s *stubAuth) SignOut(context.Context, string) error {
	return s.err
}

func (s *stubAuth) ChangePassword(_ context.Context, userID uuid.UUID, _, _ string) error {
	s.changedFor = userID
	return s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testServer struct {
	app     *fiber.App
	stub    *stubAuth
	keys    *auth.KeyMaterial
	metrics *observability.Metrics
	user    *domain.User
}

func newTestServer(t *testing.T, deps map[string]handlers.Pinger) *testServer {
	t.Helper()

	keys, err := auth.FromSharedSecret([]byte("router-secret"))
	require.NoError(t, err)

	user := &domain.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", Role: domain.RoleUser}
	access, err := auth.NewEncoder(auth.SnapshotFromUser(*user)).Encode(keys.Signing())
	require.NoError(t, err)

	stub := &stubAuth{
		user: user,
		pair: &service.TokenPair{
			AccessToken:      access,
			RefreshToken:     strings.Repeat("a", auth.RefreshTokenLength),
			TokenType:        "Bearer",
			ExpiresAt:        time.Now().Add(15 * time.Minute),
			RefreshExpiresAt: time.Now().Add(24 * time.Hour),
		},
	}

	metrics := observability.NewMetrics()
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), metrics, MiddlewareConfig{Timeout: time.Second})
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("identity-service", "test", deps, metrics),
		Auth:           handlers.NewAuthHandler(stub),
		AuthMiddleware: auth.NewAuthMiddleware(auth.NewAuthenticator(keys, auth.Policy{})),
	})

	return &testServer{app: app, stub: stub, keys: keys, metrics: metrics, user: user}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != nethttp.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSignUpRoute(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, nethttp.MethodPost, "/api/v1/auth/signup",
		`{"username":"alice","email":"alice@example.com","password":"password1"}`, "")
	require.Equal(t, nethttp.StatusCreated, status)

	data := body["data"].(map[string]any)
	authResp := data["auth"].(map[string]any)
	assert.Equal(t, s.stub.pair.AccessToken, authResp["access_token"])
	assert.Equal(t, "Bearer", authResp["token_type"])
	assert.Equal(t, "user", data["user"].(map[string]any)["role"])
}

func TestRouteErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		path   string
		body   string
		status int
		code   string
	}{
		{"missing fields", nil, "/api/v1/auth/signup", `{"username":"alice"}`, nethttp.StatusBadRequest, "VALIDATION_FAILED"},
		{"bad json", nil, "/api/v1/auth/signin", `{`, nethttp.StatusBadRequest, "VALIDATION_FAILED"},
		{"duplicate", repository.ErrUserExists, "/api/v1/auth/signup", `{"username":"a","email":"b","password":"c"}`, nethttp.StatusConflict, "CONFLICT"},
		{"field validation", &service.ValidationError{Field: "email", Reason: "invalid address"}, "/api/v1/auth/signup", `{"username":"a","email":"b","password":"c"}`, nethttp.StatusBadRequest, "VALIDATION_FAILED"},
		{"bad credentials", service.ErrInvalidCredentials, "/api/v1/auth/signin", `{"email":"a","password":"b"}`, nethttp.StatusUnauthorized, "UNAUTHORIZED"},
		{"spent refresh", service.ErrInvalidRefreshToken, "/api/v1/auth/refresh", `{"refresh_token":"x"}`, nethttp.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing refresh", nil, "/api/v1/auth/refresh", `{}`, nethttp.StatusBadRequest, "VALIDATION_FAILED"},
		{"store down", errors.New("redis: connection refused"), "/api/v1/auth/refresh", `{"refresh_token":"x"}`, nethttp.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.stub.err = tc.err

			status, body := s.do(t, nethttp.MethodPost, tc.path, tc.body, "")
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, errorCode(body))
		})
	}
}

func TestInternalErrorsHideCause(t *testing.T) {
	s := newTestServer(t, nil)
	s.stub.err = errors.New("pq: password authentication failed for user postgres")

	_, body := s.do(t, nethttp.MethodPost, "/api/v1/auth/signin", `{"email":"a","password":"b"}`, "")
	msg := body["error"].(map[string]any)["message"]
	assert.Equal(t, "internal server error", msg)
}

func TestMeRoute(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, nethttp.MethodGet, "/api/v1/auth/me", "", "")
	assert.Equal(t, nethttp.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, _ = s.do(t, nethttp.MethodGet, "/api/v1/auth/me", "", "not.a.token")
	assert.Equal(t, nethttp.StatusUnauthorized, status)

	status, body = s.do(t, nethttp.MethodGet, "/api/v1/auth/me", "", s.stub.pair.AccessToken)
	require.Equal(t, nethttp.StatusOK, status)
	user := body["data"].(map[string]any)["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, s.user.ID.String(), user["id"])
}

func TestChangePasswordRoute(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, nethttp.MethodPost, "/api/v1/auth/password/change",
		`{"current_password":"password1","new_password":"password2"}`, "")
	assert.Equal(t, nethttp.StatusUnauthorized, status)

	status, _ = s.do(t, nethttp.MethodPost, "/api/v1/auth/password/change",
		`{"current_password":"password1","new_password":"password2"}`, s.stub.pair.AccessToken)
	assert.Equal(t, nethttp.StatusNoContent, status)
	assert.Equal(t, s.user.ID, s.stub.changedFor)
}

func TestSignOutRoute(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, nethttp.MethodPost, "/api/v1/auth/signout", `{"refresh_token":"abc"}`, "")
	assert.Equal(t, nethttp.StatusNoContent, status)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, nethttp.MethodGet, "/nope", "", "")
	assert.Equal(t, nethttp.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHealthRoutes(t *testing.T) {
	s := newTestServer(t, map[string]handlers.Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{err: errors.New("dial tcp: refused")},
	})

	status, body := s.do(t, nethttp.MethodGet, "/health/live", "", "")
	assert.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = s.do(t, nethttp.MethodGet, "/health/ready", "", "")
	assert.Equal(t, nethttp.StatusServiceUnavailable, status)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "ok", details["postgres"])
	assert.Equal(t, "dial tcp: refused", details["redis"])
}

func TestMetricsRoute(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(t, nethttp.MethodGet, "/health/live", "", "")
	status, body := s.do(t, nethttp.MethodGet, "/metrics", "", "")
	require.Equal(t, nethttp.StatusOK, status)

	requests := body["requests"].(map[string]any)
	assert.Contains(t, requests, "/health/live|GET|200")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(nethttp.MethodOptions, "/api/v1/auth/signin", nil)
	req.Header.Set("Origin", "https://lerpz.com")
	req.Header.Set("Access-Control-Request-Method", nethttp.MethodPost)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, nethttp.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
