package auth

import "errors"

// Failure kinds returned by the token core. Callers match them with errors.Is;
// wrapped detail is for logs only and must never reach a client.
var (
	ErrMissingConfig        = errors.New("key material not configured")
	ErrInvalidKeyEncoding   = errors.New("invalid key encoding")
	ErrHashingFailure       = errors.New("password hashing failed")
	ErrSerializationFailure = errors.New("claims serialization failed")
	ErrSigningFailure       = errors.New("token signing failed")
	ErrAlgorithmKeyMismatch = errors.New("algorithm incompatible with key")
	ErrMalformedToken       = errors.New("malformed token")
	ErrSignatureInvalid     = errors.New("invalid token signature")
	ErrExpired              = errors.New("token expired")
	ErrNotYetValid          = errors.New("token not yet valid")
	ErrIssuerMismatch       = errors.New("token issuer not trusted")
	ErrAudienceMismatch     = errors.New("token audience not accepted")
	ErrInvalidClaims        = errors.New("invalid claims")
	ErrEncoderConsumed      = errors.New("encoder already used")
	ErrValidatorConsumed    = errors.New("validator already used")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrMissingConfig, "missing_config"},
	{ErrInvalidKeyEncoding, "invalid_key_encoding"},
	{ErrHashingFailure, "hashing_failure"},
	{ErrSerializationFailure, "serialization_failure"},
	{ErrSigningFailure, "signing_failure"},
	{ErrAlgorithmKeyMismatch, "algorithm_key_mismatch"},
	{ErrMalformedToken, "malformed_token"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrExpired, "expired"},
	{ErrNotYetValid, "not_yet_valid"},
	{ErrIssuerMismatch, "issuer_mismatch"},
	{ErrAudienceMismatch, "audience_mismatch"},
	{ErrInvalidClaims, "invalid_claims"},
	{ErrEncoderConsumed, "encoder_consumed"},
	{ErrValidatorConsumed, "validator_consumed"},
}

// Kind returns a stable label for err suitable for metrics and logs.
// Errors outside the auth taxonomy are reported as "unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "unknown"
}

// IsTokenRejection reports whether err means the presented token must be
// refused, as opposed to a server-side fault.
func IsTokenRejection(err error) bool {
	switch {
	case errors.Is(err, ErrMalformedToken),
		errors.Is(err, ErrSignatureInvalid),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotYetValid),
		errors.Is(err, ErrIssuerMismatch),
		errors.Is(err, ErrAudienceMismatch):
		return true
	}
	return false
}
