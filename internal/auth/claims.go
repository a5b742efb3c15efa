package auth

import (
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spec-kit/identity-service/internal/domain"
)

// DefaultAccessTTL is the lifetime of an access token unless overridden.
const DefaultAccessTTL = 15 * time.Minute

// UserSnapshot is the copy of the account embedded in a token at mint time.
// Later changes to the account do not affect tokens already issued.
type UserSnapshot struct {
	ID       uuid.UUID   `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role"`
}

// SnapshotFromUser copies the token-relevant fields of u.
func SnapshotFromUser(u domain.User) UserSnapshot {
	return UserSnapshot{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
	}
}

// Claims is the JWT payload. Subject identifies the token itself, not the
// user, and is never reused.
type Claims struct {
	Subject   uuid.UUID        `json:"sub"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	ExpiresAt *jwt.NumericDate `json:"exp,omitempty"`
	Issuer    jwt.ClaimStrings `json:"iss,omitempty"`
	Audience  jwt.ClaimStrings `json:"aud,omitempty"`
	User      UserSnapshot     `json:"user"`
}

// NewClaims stamps a fresh subject and the default timing window. Issuer and
// audience stay empty until the caller declares them.
func NewClaims(user UserSnapshot) Claims {
	now := time.Now()
	return Claims{
		Subject:   uuid.New(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(DefaultAccessTTL)),
		User:      user,
	}
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)      { return c.NotBefore, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)       { return c.Audience, nil }
func (c Claims) GetSubject() (string, error)                  { return c.Subject.String(), nil }

// GetIssuer returns the first issuer; Claims carries a set.
func (c Claims) GetIssuer() (string, error) {
	if len(c.Issuer) == 0 {
		return "", nil
	}
	return c.Issuer[0], nil
}

func intersects(have, allowed []string) bool {
	for _, h := range have {
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}
