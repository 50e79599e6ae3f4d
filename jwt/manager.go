package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the signature algorithm used for both credential kinds.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Kind distinguishes access credentials from refresh credentials. The kind is
// carried inside the signed payload so one cannot be replayed as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Decode failures. Every error returned by Manager.Parse wraps exactly one of these.
var (
	ErrMalformed         = errors.New("credential malformed")
	ErrInvalidSignature  = errors.New("credential signature invalid")
	ErrExpired           = errors.New("credential expired")
	ErrExcessiveLifetime = errors.New("credential lifetime exceeds policy")
	ErrMissingClaims     = errors.New("credential missing required claims")
	ErrClockSkew         = errors.New("credential issued in the future")
)

// Config describes how credentials are signed and which claims are enforced on decode.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// MaxAccessLifetime and MaxRefreshLifetime bound exp-iat on decode.
	// Zero means "same as the TTL".
	MaxAccessLifetime  time.Duration
	MaxRefreshLifetime time.Duration

	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte

	Now func() time.Time
}

// Manager signs and decodes session credentials. It holds no mutable state.
type Manager struct {
	config Config
	now    func() time.Time
}

// Claims is the decoded payload shared by access and refresh credentials.
type Claims struct {
	SID  string `json:"sid"`
	Kind Kind   `json:"knd"`
	// IssuedAtMs is the session issue instant with millisecond precision.
	// Subject-level revocation compares against it so a revoke and a new
	// login inside the same second are still ordered.
	IssuedAtMs int64 `json:"iat_ms,omitempty"`
	jwt.RegisteredClaims
}

// IssuedAtTime returns the most precise issue instant available in the claims.
func (c *Claims) IssuedAtTime() time.Time {
	if c == nil {
		return time.Time{}
	}
	if c.IssuedAtMs > 0 {
		return time.UnixMilli(c.IssuedAtMs)
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time
	}
	return time.Time{}
}

// ExpiresAtTime returns exp or the zero time.
func (c *Claims) ExpiresAtTime() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// NewManager validates cfg and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.MaxAccessLifetime == 0 {
		cfg.MaxAccessLifetime = cfg.AccessTTL
	}
	if cfg.MaxRefreshLifetime == 0 {
		cfg.MaxRefreshLifetime = cfg.RefreshTTL
	}
	if cfg.MaxAccessLifetime < cfg.AccessTTL || cfg.MaxRefreshLifetime < cfg.RefreshTTL {
		return nil, errors.New("lifetime ceiling shorter than TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 30 * time.Second
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("audience required")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a key of at least 32 bytes")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{config: cfg, now: now}, nil
}

// TTL returns the configured lifetime for kind.
func (j *Manager) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return j.config.RefreshTTL
	}
	return j.config.AccessTTL
}

// Issue signs a credential of the given kind for subject and session id.
// It returns the compact token and its expiry.
func (j *Manager) Issue(kind Kind, subject, sessionID string, issuedAt time.Time) (string, time.Time, error) {
	return j.IssueUntil(kind, subject, sessionID, issuedAt, time.Time{})
}

// IssueUntil is Issue with exp clamped to notAfter when notAfter is set and
// earlier than the kind's TTL would allow.
func (j *Manager) IssueUntil(kind Kind, subject, sessionID string, issuedAt, notAfter time.Time) (string, time.Time, error) {
	if subject == "" || sessionID == "" {
		return "", time.Time{}, errors.New("subject and session id required")
	}
	if kind != KindAccess && kind != KindRefresh {
		return "", time.Time{}, errors.New("unknown credential kind")
	}
	if issuedAt.IsZero() {
		issuedAt = j.now()
	}
	expiresAt := issuedAt.Add(j.TTL(kind))
	if !notAfter.IsZero() && notAfter.Before(expiresAt) {
		expiresAt = notAfter
	}
	if !expiresAt.After(issuedAt) {
		return "", time.Time{}, errors.New("credential would expire before it is issued")
	}

	claims := Claims{
		SID:        sessionID,
		Kind:       kind,
		IssuedAtMs: issuedAt.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    j.config.Issuer,
			Audience:  jwt.ClaimStrings{j.config.Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(j.getMethod(), claims)
	if j.config.KeyID != "" {
		token.Header["kid"] = j.config.KeyID
	}

	signKey, err := j.getSignKey()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := token.SignedString(signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies and decodes a credential of the expected kind. Failures are
// classified into the package sentinels; the original library error is kept
// in the message only.
func (j *Manager) Parse(tokenStr string, want Kind) (*Claims, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return nil, ErrMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.getMethod().Alg()}),
		jwt.WithIssuer(j.config.Issuer),
		jwt.WithAudience(j.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, j.keyFunc)

	var claims *Claims
	if token != nil {
		claims, _ = token.Claims.(*Claims)
	}

	if err != nil {
		// A token that is both expired and over the lifetime ceiling is
		// reported as the stronger forgery signal.
		if errors.Is(err, jwt.ErrTokenExpired) && claims != nil && j.exceedsCeiling(claims) {
			return nil, ErrExcessiveLifetime
		}
		return nil, classify(err)
	}
	if claims == nil || !token.Valid {
		return nil, ErrMalformed
	}

	if claims.Subject == "" || claims.SID == "" || claims.Kind == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrMissingClaims
	}
	if claims.Kind != want {
		return nil, fmt.Errorf("%w: expected %s credential", ErrMalformed, want)
	}
	if !claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("%w: expiry not after issue", ErrMalformed)
	}
	if j.exceedsCeiling(claims) {
		return nil, ErrExcessiveLifetime
	}
	if claims.IssuedAtTime().After(j.now().Add(j.config.MaxFutureIAT)) {
		return nil, ErrClockSkew
	}

	return claims, nil
}

func (j *Manager) exceedsCeiling(claims *Claims) bool {
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return false
	}
	ceiling := j.config.MaxAccessLifetime
	if claims.Kind == KindRefresh {
		ceiling = j.config.MaxRefreshLifetime
	}
	return claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > ceiling
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMissingClaims, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrClockSkew, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func (j *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.getMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(j.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := j.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return j.keyBytesToVerifyKey(key)
	}

	if j.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != j.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return j.getVerifyKey()
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) getSignKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(j.config.PrivateKey)
	}
}

func (j *Manager) getVerifyKey() (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return j.config.PrivateKey, nil
	default:
		return parseEdPublicKey(j.config.PublicKey)
	}
}

func (j *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
