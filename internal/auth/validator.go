package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Validator checks a presented token against a policy. It is consumed by
// Decode.
type Validator struct {
	token     string
	algs      []Algorithm
	checkNbf  bool
	issuers   []string
	audiences []string
	leeway    time.Duration
	consumed  bool
}

// NewValidator prepares validation of a raw token. Not-before is enforced by
// default; issuer and audience are only checked once required.
func NewValidator(token string) *Validator {
	return &Validator{token: token, checkNbf: true}
}

// RestrictAlgorithms sets the accepted signing algorithms. Without it only
// the verification key's default algorithm is accepted.
func (v *Validator) RestrictAlgorithms(algs ...Algorithm) *Validator {
	v.algs = append([]Algorithm(nil), algs...)
	return v
}

// EnforceNotBefore toggles the not-before check.
func (v *Validator) EnforceNotBefore(enforce bool) *Validator {
	v.checkNbf = enforce
	return v
}

// RequireIssuerAmong requires at least one token issuer to be in issuers.
func (v *Validator) RequireIssuerAmong(issuers ...string) *Validator {
	v.issuers = append([]string(nil), issuers...)
	return v
}

// RequireAudienceAmong requires at least one token audience to be in audiences.
func (v *Validator) RequireAudienceAmong(audiences ...string) *Validator {
	v.audiences = append([]string(nil), audiences...)
	return v
}

// Leeway tolerates clock skew on the expiry and not-before checks.
func (v *Validator) Leeway(d time.Duration) *Validator {
	if d > 0 {
		v.leeway = d
	}
	return v
}

// Decode verifies the token and returns its claims. Checks run in a fixed
// order and stop at the first failure: signature, expiry, not-before,
// issuer, audience.
func (v *Validator) Decode(key VerificationKey) (*Claims, error) {
	if v.consumed {
		return nil, ErrValidatorConsumed
	}
	v.consumed = true

	if key.kind == keyNone || key.key == nil {
		return nil, fmt.Errorf("%w: no verification capability", ErrSignatureInvalid)
	}

	algs := v.algs
	if len(algs) == 0 {
		algs = []Algorithm{key.kind.defaultAlgorithm()}
	}
	names := make([]string, 0, len(algs))
	for _, alg := range algs {
		names = append(names, string(alg))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(names),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(v.token, claims, func(t *jwt.Token) (any, error) {
		if !Algorithm(t.Method.Alg()).fits(key.kind) {
			return nil, ErrAlgorithmKeyMismatch
		}
		return key.key, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	now := time.Now()

	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrMalformedToken)
	}
	if now.After(claims.ExpiresAt.Add(v.leeway)) {
		return nil, ErrExpired
	}

	if v.checkNbf && claims.NotBefore != nil && now.Add(v.leeway).Before(claims.NotBefore.Time) {
		return nil, ErrNotYetValid
	}

	if len(v.issuers) > 0 && !intersects(claims.Issuer, v.issuers) {
		return nil, ErrIssuerMismatch
	}

	if len(v.audiences) > 0 && !intersects(claims.Audience, v.audiences) {
		return nil, ErrAudienceMismatch
	}

	return claims, nil
}

// classifyParseError reduces jwt parse errors to the two structural kinds.
// The underlying reason is deliberately dropped.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	default:
		return ErrMalformedToken
	}
}
