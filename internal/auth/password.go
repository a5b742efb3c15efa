package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argon2ID = "argon2id"

	minArgon2Memory      uint32 = 8 * 1024
	minArgon2Time        uint32 = 1
	minArgon2Parallelism uint8  = 1
	minSaltLength        uint32 = 16
	minKeyLength         uint32 = 16

	// Ceilings for stored digests. A corrupted m or t must not drive Verify
	// into an unbounded allocation or loop.
	maxArgon2Memory uint32 = 4 * 1024 * 1024
	maxArgon2Time   uint32 = 64
	maxSaltLength   uint32 = 1024
	maxKeyLength    uint32 = 1024
)

// Argon2Config holds argon2id cost parameters. Memory is in KiB.
type Argon2Config struct {
	Time        uint32
	Memory      uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Config returns the production cost parameters.
func DefaultArgon2Config() Argon2Config {
	return Argon2Config{
		Time:        3,
		Memory:      64 * 1024,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (c Argon2Config) validate() error {
	switch {
	case c.Memory < minArgon2Memory || c.Memory > maxArgon2Memory:
		return fmt.Errorf("%w: memory must be within %d..%d KiB", ErrHashingFailure, minArgon2Memory, maxArgon2Memory)
	case c.Time < minArgon2Time || c.Time > maxArgon2Time:
		return fmt.Errorf("%w: time must be within %d..%d", ErrHashingFailure, minArgon2Time, maxArgon2Time)
	case c.Parallelism < minArgon2Parallelism:
		return fmt.Errorf("%w: parallelism must be >= %d", ErrHashingFailure, minArgon2Parallelism)
	case c.SaltLength < minSaltLength || c.SaltLength > maxSaltLength:
		return fmt.Errorf("%w: salt length must be within %d..%d", ErrHashingFailure, minSaltLength, maxSaltLength)
	case c.KeyLength < minKeyLength || c.KeyLength > maxKeyLength:
		return fmt.Errorf("%w: key length must be within %d..%d", ErrHashingFailure, minKeyLength, maxKeyLength)
	}
	return nil
}

// Hasher derives and checks argon2id password digests in PHC string form.
type Hasher struct {
	cfg Argon2Config
}

// NewHasher validates cfg and returns a hasher.
func NewHasher(cfg Argon2Config) (*Hasher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg}, nil
}

// NewSalt reads n random bytes.
func NewSalt(n uint32) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHashingFailure, err)
	}
	return salt, nil
}

// Hash derives a digest of password with the given salt.
func (h *Hasher) Hash(password string, salt []byte) (string, error) {
	if uint32(len(salt)) < minSaltLength {
		return "", fmt.Errorf("%w: salt must be at least %d bytes", ErrHashingFailure, minSaltLength)
	}

	key := argon2.IDKey([]byte(password), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2ID,
		argon2.Version,
		h.cfg.Memory,
		h.cfg.Time,
		h.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// HashPassword hashes password with a fresh random salt.
func (h *Hasher) HashPassword(password string) (string, error) {
	salt, err := NewSalt(h.cfg.SaltLength)
	if err != nil {
		return "", err
	}
	return h.Hash(password, salt)
}

// Verify reports whether password matches digest. The comparison is constant
// time; a digest that cannot be parsed yields ErrHashingFailure.
func (h *Hasher) Verify(password, digest string) (bool, error) {
	parsed, err := parseDigest(digest)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsRehash reports whether digest was produced with weaker parameters
// than the hasher's current configuration.
func (h *Hasher) NeedsRehash(digest string) (bool, error) {
	parsed, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	return parsed.memory < h.cfg.Memory ||
		parsed.time < h.cfg.Time ||
		parsed.parallelism < h.cfg.Parallelism ||
		uint32(len(parsed.key)) != h.cfg.KeyLength, nil
}

type digestParts struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseDigest(digest string) (*digestParts, error) {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %s", ErrHashingFailure, reason)
	}

	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, invalid("invalid digest format")
	}
	if parts[1] != argon2ID {
		return nil, invalid("unsupported algorithm")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, invalid("unsupported argon2 version")
	}

	var out digestParts
	var seen int
	for _, pair := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, invalid("invalid parameter entry")
		}
		switch name {
		case "m":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minArgon2Memory || uint32(v) > maxArgon2Memory {
				return nil, invalid("invalid memory parameter")
			}
			out.memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil || uint32(v) < minArgon2Time || uint32(v) > maxArgon2Time {
				return nil, invalid("invalid time parameter")
			}
			out.time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil || uint8(v) < minArgon2Parallelism {
				return nil, invalid("invalid parallelism parameter")
			}
			out.parallelism = uint8(v)
		default:
			return nil, invalid("unsupported parameter")
		}
		seen++
	}
	if seen != 3 || out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return nil, invalid("missing parameters")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || uint32(len(salt)) < minSaltLength || uint32(len(salt)) > maxSaltLength {
		return nil, invalid("invalid salt")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 || uint32(len(key)) > maxKeyLength {
		return nil, invalid("invalid hash")
	}

	out.salt = salt
	out.key = key
	return &out, nil
}
