package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/identity-service/internal/domain"
)

// ErrRefreshTokenNotFound covers unknown, expired and already used tokens.
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

const refreshKeyPrefix = "refresh:"

// RefreshTokenRepository stores refresh sessions keyed by their opaque token.
type RefreshTokenRepository interface {
	Save(ctx context.Context, session *domain.RefreshSession) error
	Consume(ctx context.Context, token string) (*domain.RefreshSession, error)
}

type refreshTokenRepository struct {
	client *redis.Client
}

// NewRefreshTokenRepository returns a Redis-backed implementation. Entries
// expire with the session, so no sweeper is needed.
func NewRefreshTokenRepository(client *redis.Client) RefreshTokenRepository {
	return &refreshTokenRepository{client: client}
}

func (r *refreshTokenRepository) Save(ctx context.Context, session *domain.RefreshSession) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh session already expired at %s", session.ExpiresAt)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, refreshKeyPrefix+session.Token, payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refresh token collision")
	}
	return nil
}

// Consume atomically fetches and deletes the session so a token can be
// redeemed at most once.
func (r *refreshTokenRepository) Consume(ctx context.Context, token string) (*domain.RefreshSession, error) {
	payload, err := r.client.GetDel(ctx, refreshKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	var session domain.RefreshSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("decode refresh session: %w", err)
	}
	session.Token = token

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrRefreshTokenNotFound
	}
	return &session, nil
}
