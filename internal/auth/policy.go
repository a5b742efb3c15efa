package auth

import "time"

// Policy is the validation policy a service applies to every bearer token it
// accepts. Empty Issuers or Audiences skip that check.
type Policy struct {
	Algorithms    []Algorithm
	Issuers       []string
	Audiences     []string
	Leeway        time.Duration
	SkipNotBefore bool
}

// TokenVerifier turns a raw bearer token into trusted claims.
type TokenVerifier interface {
	Authenticate(token string) (*Claims, error)
}

// Authenticator applies a fixed Policy with one verification key.
type Authenticator struct {
	key    VerificationKey
	policy Policy
}

// NewAuthenticator binds policy to the verification capability of keys.
func NewAuthenticator(keys *KeyMaterial, policy Policy) *Authenticator {
	return &Authenticator{key: keys.Verification(), policy: policy}
}

// Authenticate validates token with a fresh Validator.
func (a *Authenticator) Authenticate(token string) (*Claims, error) {
	return NewValidator(token).
		RestrictAlgorithms(a.policy.Algorithms...).
		EnforceNotBefore(!a.policy.SkipNotBefore).
		RequireIssuerAmong(a.policy.Issuers...).
		RequireAudienceAmong(a.policy.Audiences...).
		Leeway(a.policy.Leeway).
		Decode(a.key)
}
