package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/identity-service/internal/api/dto"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/repository"
	"github.com/spec-kit/identity-service/internal/service"
	"github.com/spec-kit/identity-service/internal/worker"
	apperrors "github.com/spec-kit/identity-service/pkg/util/errorutil"
)

// AuthService is the subset of service.AuthService the handlers call.
type AuthService interface {
	SignUp(ctx context.Context, username, email, password string) (*domain.User, *service.TokenPair, error)
	SignIn(ctx context.Context, email, password string) (*domain.User, *service.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	SignOut(ctx context.Context, refreshToken string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error
}

// AuthHandler exposes the account and token endpoints.
type AuthHandler struct {
	auth AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// SignUp handles POST /api/v1/auth/signup.
func (h *AuthHandler) SignUp(c *fiber.Ctx) error {
	var req dto.SignUpRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("username, email, password required", nil)
	}

	user, pair, err := h.auth.SignUp(c.UserContext(), req.Username, req.Email, req.Password)
	if err != nil {
		return mapServiceError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"user": toUserResponse(user),
			"auth": toAuthResponse(pair),
		},
	})
}

// SignIn handles POST /api/v1/auth/signin.
func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req dto.SignInRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	user, pair, err := h.auth.SignIn(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"user": toUserResponse(user),
			"auth": toAuthResponse(pair),
		},
	})
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return apperrors.NewValidationError("refresh_token required", nil)
	}

	pair, err := h.auth.Refresh(c.UserContext(), req.RefreshToken)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"auth": toAuthResponse(pair)}})
}

// SignOut handles POST /api/v1/auth/signout.
func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := c.BodyParser(&req); err != nil || req.RefreshToken == "" {
		return apperrors.NewValidationError("refresh_token required", nil)
	}

	if err := h.auth.SignOut(c.UserContext(), req.RefreshToken); err != nil {
		return mapServiceError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	resp := dto.SessionResponse{
		TokenID: claims.Subject,
		User: dto.UserResponse{
			ID:       claims.User.ID,
			Username: claims.User.Username,
			Email:    claims.User.Email,
			Role:     claims.User.Role,
		},
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		iat := claims.IssuedAt.Time
		resp.IssuedAt = &iat
	}
	return c.JSON(fiber.Map{"data": resp})
}

// ChangePassword handles POST /api/v1/auth/password/change.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	claims, ok := auth.ClaimsFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	var req dto.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		return apperrors.NewValidationError("current_password and new_password required", nil)
	}

	if err := h.auth.ChangePassword(c.UserContext(), claims.User.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return mapServiceError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func mapServiceError(err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return apperrors.NewValidationError(verr.Error(), map[string]any{"field": verr.Field})
	case errors.Is(err, repository.ErrUserExists):
		return apperrors.NewConflict("account already exists", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		return apperrors.NewUnauthorizedWithCause("invalid credentials", err)
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return apperrors.NewUnauthorizedWithCause("invalid refresh token", err)
	case errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewServiceUnavailable("service busy", err)
	default:
		return apperrors.NewInternalError(err)
	}
}

func toUserResponse(u *domain.User) dto.UserResponse {
	return dto.UserResponse{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

func toAuthResponse(p *service.TokenPair) dto.AuthResponse {
	return dto.AuthResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		ExpiresAt:        p.ExpiresAt.UTC().Truncate(time.Second),
		RefreshExpiresAt: p.RefreshExpiresAt.UTC().Truncate(time.Second),
	}
}
