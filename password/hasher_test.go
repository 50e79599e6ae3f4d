package password

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		AllowBcrypt: true,
	}
}

func newTestHasher(t *testing.T, mutate func(*Config)) *Hasher {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t, nil)

	hash, err := h.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := h.Verify("P@ssw0rd-Ascii", hash)
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("wrong-password", hash)
	if err != nil || ok {
		t.Fatalf("expected mismatch, ok=%v err=%v", ok, err)
	}
}

func TestVerifyBcryptLegacyHash(t *testing.T) {
	h := newTestHasher(t, nil)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	ok, err := h.Verify("legacy-password", string(legacy))
	if err != nil || !ok {
		t.Fatalf("expected bcrypt match, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("other-password", string(legacy))
	if err != nil || ok {
		t.Fatalf("expected bcrypt mismatch, ok=%v err=%v", ok, err)
	}

	rehash, err := h.NeedsRehash(string(legacy))
	if err != nil || !rehash {
		t.Fatalf("expected bcrypt hash to need rehash, got %v err=%v", rehash, err)
	}
}

func TestVerifyBcryptDisabled(t *testing.T) {
	h := newTestHasher(t, func(c *Config) { c.AllowBcrypt = false })

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := h.Verify("legacy-password", string(legacy)); !errors.Is(err, ErrUnsupportedHash) {
		t.Fatalf("expected ErrUnsupportedHash, got %v", err)
	}
}

func TestNeedsRehashOnWeakerCost(t *testing.T) {
	old := newTestHasher(t, nil)
	hash, err := old.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	stronger := newTestHasher(t, func(c *Config) { c.Memory = 16 * 1024; c.Time = 2 })
	rehash, err := stronger.NeedsRehash(hash)
	if err != nil || !rehash {
		t.Fatalf("expected rehash for weaker parameters, got %v err=%v", rehash, err)
	}

	rehash, err = old.NeedsRehash(hash)
	if err != nil || rehash {
		t.Fatalf("expected no rehash for current parameters, got %v err=%v", rehash, err)
	}
}

func TestVerifyRejectsMalformedAndUnknownHashes(t *testing.T) {
	h := newTestHasher(t, nil)

	hash, err := h.Hash("version-test")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	cases := map[string]error{
		"not-a-phc-hash": ErrUnsupportedHash,
		strings.Replace(hash, "$v=19$", "$v=18$", 1): ErrUnsupportedHash,
		strings.Replace(hash, "m=8192", "m=1", 1):     ErrMalformedHash,
		"$argon2id$v=19$m=8192,t=1$AAAA$BBBB":        ErrMalformedHash,
	}
	for encoded, want := range cases {
		if _, err := h.Verify("version-test", encoded); !errors.Is(err, want) {
			t.Fatalf("Verify(%q): expected %v, got %v", encoded, want, err)
		}
	}
}

func TestHashLengthBounds(t *testing.T) {
	h := newTestHasher(t, func(c *Config) { c.MaxPasswordBytes = 64 })

	if _, err := h.Hash(""); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort for empty, got %v", err)
	}
	if _, err := h.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", 65)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}

	exact := strings.Repeat("b", 64)
	hash, err := h.Hash(exact)
	if err != nil {
		t.Fatalf("expected max-length password to hash: %v", err)
	}
	if ok, err := h.Verify(exact, hash); err != nil || !ok {
		t.Fatalf("Verify max-length: ok=%v err=%v", ok, err)
	}
	if _, err := h.Verify(strings.Repeat("c", 65), hash); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected Verify to reject long password, got %v", err)
	}
}

func TestDefaultMaxPasswordBytesApplied(t *testing.T) {
	h := newTestHasher(t, nil)

	if _, err := h.Hash(strings.Repeat("d", DefaultMaxPasswordBytes+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected password > %d bytes to be rejected, got %v", DefaultMaxPasswordBytes, err)
	}
	if _, err := h.Hash(strings.Repeat("e", DefaultMaxPasswordBytes)); err != nil {
		t.Fatalf("expected %d-byte password to hash: %v", DefaultMaxPasswordBytes, err)
	}
}

func TestNewRejectsWeakConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Memory = 1024
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for memory below minimum")
	}
	cfg = testConfig()
	cfg.SaltLength = 8
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for short salt")
	}
}

func TestBurnDoesNotPanic(t *testing.T) {
	h := newTestHasher(t, nil)
	h.Burn("")
	h.Burn(strings.Repeat("x", DefaultMaxPasswordBytes*2))
}
