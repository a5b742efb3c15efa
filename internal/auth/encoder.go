package auth

import (
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Encoder mints a single signed access token. It is consumed by Encode.
type Encoder struct {
	alg      Algorithm
	claims   Claims
	nbfSet   bool
	consumed bool
}

// NewEncoder starts a token for user with the default claims window.
func NewEncoder(user UserSnapshot) *Encoder {
	return &Encoder{claims: NewClaims(user)}
}

// Algorithm selects the signing algorithm. Unset means the key's default.
func (e *Encoder) Algorithm(alg Algorithm) *Encoder {
	e.alg = alg
	return e
}

// ExpiresAt overrides the expiry.
func (e *Encoder) ExpiresAt(t time.Time) *Encoder {
	e.claims.ExpiresAt = jwt.NewNumericDate(t)
	return e
}

// NotBefore overrides the not-before time. An explicit not-before must not
// be later than the expiry.
func (e *Encoder) NotBefore(t time.Time) *Encoder {
	e.claims.NotBefore = jwt.NewNumericDate(t)
	e.nbfSet = true
	return e
}

// TTL sets the expiry relative to the issued-at time.
func (e *Encoder) TTL(d time.Duration) *Encoder {
	e.claims.ExpiresAt = jwt.NewNumericDate(e.claims.IssuedAt.Add(d))
	return e
}

// Issuer declares who mints the token.
func (e *Encoder) Issuer(issuers ...string) *Encoder {
	e.claims.Issuer = append(jwt.ClaimStrings(nil), issuers...)
	return e
}

// Audience declares who may accept the token.
func (e *Encoder) Audience(audiences ...string) *Encoder {
	e.claims.Audience = append(jwt.ClaimStrings(nil), audiences...)
	return e
}

// Claims returns a copy of the claims as they will be signed.
func (e *Encoder) Claims() Claims {
	return e.claims
}

// Encode signs the claims and returns the compact JWS. The encoder cannot be
// reused afterwards.
func (e *Encoder) Encode(key SigningKey) (string, error) {
	if e.consumed {
		return "", ErrEncoderConsumed
	}
	e.consumed = true

	if key.kind == keyNone || key.key == nil {
		return "", fmt.Errorf("%w: no signing capability", ErrSigningFailure)
	}

	alg := e.alg
	if alg == "" {
		alg = key.kind.defaultAlgorithm()
	}
	method, ok := alg.method()
	if !ok || !alg.fits(key.kind) {
		return "", fmt.Errorf("%w: %q", ErrAlgorithmKeyMismatch, alg)
	}

	if e.claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: missing expiry", ErrInvalidClaims)
	}
	if e.nbfSet && e.claims.NotBefore.After(e.claims.ExpiresAt.Time) {
		return "", fmt.Errorf("%w: not-before is after expiry", ErrInvalidClaims)
	}

	token := jwt.NewWithClaims(method, e.claims)
	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSerializationFailure, err)
	}

	sig, err := method.Sign(signingString, key.key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailure, err)
	}

	return signingString + "." + token.EncodeSegment(sig), nil
}
