package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/identity-service/internal/domain"
)

func testUser() UserSnapshot {
	return UserSnapshot{
		ID:       uuid.New(),
		Username: "test",
		Email:    "test@test.com",
		Role:     domain.RoleAdmin,
	}
}

func newEdPEM(t *testing.T) (privatePEM, publicPEM []byte) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM
}

func newEdKeys(t *testing.T) *KeyMaterial {
	t.Helper()
	privatePEM, publicPEM := newEdPEM(t)
	keys, err := FromEdPEM(privatePEM, publicPEM)
	require.NoError(t, err)
	return keys
}

func newSecretKeys(t *testing.T, secret string) *KeyMaterial {
	t.Helper()
	keys, err := FromSharedSecret([]byte(secret))
	require.NoError(t, err)
	return keys
}
