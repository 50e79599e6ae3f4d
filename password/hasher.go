package password

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultMaxPasswordBytes caps plaintext length when Config leaves it unset.
const DefaultMaxPasswordBytes = 1024

const minPasswordBytes = 10

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMalformedHash    = errors.New("malformed password hash")
	ErrUnsupportedHash  = errors.New("unsupported password hash")
)

// Config sets Argon2id cost for new hashes.
type Config struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// MaxPasswordBytes bounds plaintext on both Hash and Verify. Zero means
	// DefaultMaxPasswordBytes.
	MaxPasswordBytes int
	// AllowBcrypt accepts stored bcrypt hashes on Verify.
	AllowBcrypt bool
}

// DefaultConfig returns the production Argon2id cost.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		AllowBcrypt: true,
	}
}

// Hasher hashes with Argon2id and verifies Argon2id or bcrypt hashes.
type Hasher struct {
	config Config
	// burnHash is verified against on unknown-user logins.
	burnHash string
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	if err := validateArgon2(cfg); err != nil {
		return nil, err
	}
	if cfg.MaxPasswordBytes <= 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	if cfg.MaxPasswordBytes < minPasswordBytes {
		return nil, fmt.Errorf("password: max password bytes must be >= %d", minPasswordBytes)
	}

	h := &Hasher{config: cfg}
	burn, err := cfg.argon2Hash("burn-password-placeholder")
	if err != nil {
		return nil, err
	}
	h.burnHash = burn
	return h, nil
}

// Hash returns an Argon2id PHC string for password.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < minPasswordBytes {
		return "", ErrPasswordTooShort
	}
	if len(password) > h.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	return h.config.argon2Hash(password)
}

// Verify reports whether password matches encoded. A malformed or unknown
// hash is an error, not a mismatch.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if len(password) > h.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}

	switch {
	case strings.HasPrefix(encoded, argon2Prefix):
		return argon2Verify(password, encoded)
	case isBcrypt(encoded):
		if !h.config.AllowBcrypt {
			return false, fmt.Errorf("%w: bcrypt disabled", ErrUnsupportedHash)
		}
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
	default:
		return false, ErrUnsupportedHash
	}
}

// NeedsRehash reports whether encoded should be replaced by a fresh Hash:
// it is bcrypt, or Argon2id below the configured cost.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	if isBcrypt(encoded) {
		return true, nil
	}
	p, err := parseArgon2(encoded)
	if err != nil {
		return false, err
	}
	return p.memory < h.config.Memory ||
		p.time < h.config.Time ||
		p.parallelism < h.config.Parallelism ||
		uint32(len(p.hash)) != h.config.KeyLength, nil
}

// Burn runs a full verification against a fixed hash and discards the
// result, so a login for an unknown identifier costs as much as a real one.
func (h *Hasher) Burn(password string) {
	if len(password) > h.config.MaxPasswordBytes {
		password = password[:h.config.MaxPasswordBytes]
	}
	_, _ = argon2Verify(password, h.burnHash)
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}
