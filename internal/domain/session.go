package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefreshSession binds an opaque refresh token to the user it was issued for.
type RefreshSession struct {
	Token     string    `json:"-"`
	UserID    uuid.UUID `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
