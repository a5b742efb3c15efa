package auth

import "crypto/rand"

// RefreshTokenLength is the number of characters in a refresh token.
const RefreshTokenLength = 32

const refreshAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Bytes at or above this bound are rejected so every character is equally
// likely.
const refreshByteLimit = 256 - 256%len(refreshAlphabet)

// GenerateRefreshToken returns an opaque alphanumeric token with no embedded
// claims. Binding it to a user is the caller's job.
func GenerateRefreshToken() string {
	out := make([]byte, 0, RefreshTokenLength)
	buf := make([]byte, RefreshTokenLength+RefreshTokenLength/4)

	for len(out) < RefreshTokenLength {
		if _, err := rand.Read(buf); err != nil {
			panic("auth: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= refreshByteLimit {
				continue
			}
			out = append(out, refreshAlphabet[int(b)%len(refreshAlphabet)])
			if len(out) == RefreshTokenLength {
				break
			}
		}
	}
	return string(out)
}
