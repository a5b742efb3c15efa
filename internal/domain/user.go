package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the account record owned by the account store.
type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
