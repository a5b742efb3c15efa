package auth

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Algorithm names a JWS signing algorithm.
type Algorithm string

const (
	AlgorithmHS256 Algorithm = "HS256"
	AlgorithmHS384 Algorithm = "HS384"
	AlgorithmHS512 Algorithm = "HS512"
	AlgorithmEdDSA Algorithm = "EdDSA"
)

func (a Algorithm) method() (jwt.SigningMethod, bool) {
	switch a {
	case AlgorithmHS256:
		return jwt.SigningMethodHS256, true
	case AlgorithmHS384:
		return jwt.SigningMethodHS384, true
	case AlgorithmHS512:
		return jwt.SigningMethodHS512, true
	case AlgorithmEdDSA:
		return jwt.SigningMethodEdDSA, true
	default:
		return nil, false
	}
}

func (a Algorithm) fits(kind keyKind) bool {
	switch a {
	case AlgorithmHS256, AlgorithmHS384, AlgorithmHS512:
		return kind == keySymmetric
	case AlgorithmEdDSA:
		return kind == keyEd25519
	default:
		return false
	}
}

type keyKind int

const (
	keyNone keyKind = iota
	keySymmetric
	keyEd25519
)

func (k keyKind) defaultAlgorithm() Algorithm {
	switch k {
	case keySymmetric:
		return AlgorithmHS256
	case keyEd25519:
		return AlgorithmEdDSA
	default:
		return ""
	}
}

// SigningKey is the opaque capability used by Encoder.Encode.
type SigningKey struct {
	kind keyKind
	key  any
}

// VerificationKey is the opaque capability used by Validator.Decode.
type VerificationKey struct {
	kind keyKind
	key  any
}

// KeyMaterial holds the process-wide signing and verification capabilities.
// It is built once at startup and never mutated, so it can be shared freely
// between goroutines.
type KeyMaterial struct {
	signing      SigningKey
	verification VerificationKey
}

// FromSharedSecret builds symmetric (HMAC) key material.
func FromSharedSecret(secret []byte) (*KeyMaterial, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty shared secret", ErrMissingConfig)
	}
	owned := make([]byte, len(secret))
	copy(owned, secret)

	return &KeyMaterial{
		signing:      SigningKey{kind: keySymmetric, key: owned},
		verification: VerificationKey{kind: keySymmetric, key: owned},
	}, nil
}

// FromEdPEM builds Ed25519 key material from a PEM-encoded PKCS#8 private key
// and its PKIX public key. The pair must belong together.
func FromEdPEM(privatePEM, publicPEM []byte) (*KeyMaterial, error) {
	priv, err := parseEdPrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	pub, err := parseEdPublicKey(publicPEM)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKeyEncoding)
	}

	return &KeyMaterial{
		signing:      SigningKey{kind: keyEd25519, key: priv},
		verification: VerificationKey{kind: keyEd25519, key: pub},
	}, nil
}

// FromEdPublicPEM builds verify-only Ed25519 material for peers that accept
// tokens but never mint them.
func FromEdPublicPEM(publicPEM []byte) (*KeyMaterial, error) {
	pub, err := parseEdPublicKey(publicPEM)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		verification: VerificationKey{kind: keyEd25519, key: pub},
	}, nil
}

// LoadKeyMaterial picks the key source from raw configuration values.
// A PEM pair wins over a shared secret; a lone public PEM yields verify-only
// material.
func LoadKeyMaterial(secret, privatePEM, publicPEM string) (*KeyMaterial, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)

	switch {
	case privatePEM != "" && publicPEM != "":
		return FromEdPEM([]byte(privatePEM), []byte(publicPEM))
	case privatePEM != "":
		return nil, fmt.Errorf("%w: private key provided without public key", ErrMissingConfig)
	case publicPEM != "":
		return FromEdPublicPEM([]byte(publicPEM))
	case secret != "":
		return FromSharedSecret([]byte(secret))
	default:
		return nil, fmt.Errorf("%w: set a shared secret or a PEM key pair", ErrMissingConfig)
	}
}

// Signing returns the signing capability. It is empty for verify-only material.
func (k *KeyMaterial) Signing() SigningKey {
	if k == nil {
		return SigningKey{}
	}
	return k.signing
}

// Verification returns the verification capability.
func (k *KeyMaterial) Verification() VerificationKey {
	if k == nil {
		return VerificationKey{}
	}
	return k.verification
}

// CanSign reports whether the material carries a signing capability.
func (k *KeyMaterial) CanSign() bool {
	return k != nil && k.signing.kind != keyNone
}

// DefaultAlgorithm is the algorithm used when none is chosen explicitly.
func (k *KeyMaterial) DefaultAlgorithm() Algorithm {
	return k.Verification().kind.defaultAlgorithm()
}

func parseEdPrivateKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %w", ErrInvalidKeyEncoding, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not ed25519", ErrInvalidKeyEncoding)
	}
	return key, nil
}

func parseEdPublicKey(pemBytes []byte) (ed25519.PublicKey, error) {
	parsed, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %w", ErrInvalidKeyEncoding, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not ed25519", ErrInvalidKeyEncoding)
	}
	return key, nil
}
