package govern

import (
	"fmt"
	"time"

	"github.com/clank08/govern/cache"
	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/password"
	"github.com/clank08/govern/ratelimit"
)

// Config is the full engine configuration. It is cloned by Builder.WithConfig
// and treated as immutable after Build.
type Config struct {
	JWT          JWTConfig
	Session      SessionConfig
	Store        StoreConfig
	Lockout      LockoutConfig
	RateLimit    ratelimit.Config
	Cache        cache.Config
	Invalidation cache.InvalidatorConfig
	Password     password.Config
	Audit        AuditConfig
	Metrics      MetricsConfig
}

// JWTConfig controls the credential codec.
type JWTConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// MaxAccessLifetime and MaxRefreshLifetime are the exp-iat ceilings
	// enforced on decode. Zero means "equal to the TTL".
	MaxAccessLifetime  time.Duration
	MaxRefreshLifetime time.Duration

	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxClockSkew  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// SessionConfig controls session records and their anomaly signals.
type SessionConfig struct {
	RedisPrefix string
	// GCGrace keeps a record this long past its absolute expiry.
	GCGrace time.Duration
	// AbsoluteLifetime bounds a refresh chain from the original login.
	// Rotated sessions and their credentials never outlive it.
	AbsoluteLifetime     time.Duration
	EnableReplayTracking bool
	ReplayWindow         time.Duration
	// AnomalyWindow rate-limits device anomaly events per session and kind.
	AnomalyWindow time.Duration
}

// StoreConfig bounds every call to the shared key-value store.
type StoreConfig struct {
	OperationTimeout time.Duration
}

// LockoutConfig controls login lockout per identifier.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// CriticalWait is how long refresh reuse, lockout and revocation events
	// wait for buffer room before DropIfFull applies to them too.
	CriticalWait time.Duration
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Signing keys are left empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: jwt.MethodEd25519,
			Issuer:        "govern",
			Audience:      "govern-api",
			MaxClockSkew:  30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:          "gov",
			GCGrace:              24 * time.Hour,
			AbsoluteLifetime:     7 * 24 * time.Hour,
			EnableReplayTracking: true,
			ReplayWindow:         24 * time.Hour,
			AnomalyWindow:        time.Hour,
		},
		Store: StoreConfig{
			OperationTimeout: 150 * time.Millisecond,
		},
		Lockout: LockoutConfig{
			Enabled:   true,
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  15 * time.Minute,
		},
		RateLimit:    ratelimit.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Invalidation: cache.DefaultInvalidatorConfig(),
		Password:     password.DefaultConfig(),
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize:   1024,
			DropIfFull:   true,
			CriticalWait: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

// Validate reports the first configuration error, wrapped in ErrConfigInvalid.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

func (c Config) validate() error {
	j := c.JWT
	if j.AccessTTL <= 0 || j.RefreshTTL <= 0 {
		return fmt.Errorf("jwt: access and refresh TTL must be > 0")
	}
	if j.RefreshTTL < j.AccessTTL {
		return fmt.Errorf("jwt: refresh TTL must be >= access TTL")
	}
	if j.MaxAccessLifetime != 0 && j.MaxAccessLifetime < j.AccessTTL {
		return fmt.Errorf("jwt: max access lifetime must be >= access TTL")
	}
	if j.MaxRefreshLifetime != 0 && j.MaxRefreshLifetime < j.RefreshTTL {
		return fmt.Errorf("jwt: max refresh lifetime must be >= refresh TTL")
	}
	switch j.SigningMethod {
	case jwt.MethodEd25519:
		if len(j.PrivateKey) == 0 || (len(j.PublicKey) == 0 && len(j.VerifyKeys) == 0) {
			return fmt.Errorf("jwt: ed25519 requires a private key and a public or verify key")
		}
	case jwt.MethodHS256:
		if len(j.PrivateKey) < 32 {
			return fmt.Errorf("jwt: hs256 secret must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("jwt: unsupported signing method %q", j.SigningMethod)
	}
	if j.Issuer == "" || j.Audience == "" {
		return fmt.Errorf("jwt: issuer and audience are required")
	}
	if j.Leeway < 0 || j.MaxClockSkew < 0 {
		return fmt.Errorf("jwt: leeway and clock skew must be >= 0")
	}

	if c.Session.RedisPrefix == "" {
		return fmt.Errorf("session: redis prefix must not be empty")
	}
	if c.Session.GCGrace < 0 {
		return fmt.Errorf("session: gc grace must be >= 0")
	}
	if c.Session.AbsoluteLifetime < j.AccessTTL {
		return fmt.Errorf("session: absolute lifetime must be >= access TTL")
	}
	if c.Session.EnableReplayTracking && c.Session.ReplayWindow <= 0 {
		return fmt.Errorf("session: replay window must be > 0")
	}
	if c.Store.OperationTimeout <= 0 {
		return fmt.Errorf("store: operation timeout must be > 0")
	}
	if c.Store.OperationTimeout > 5*time.Second {
		return fmt.Errorf("store: operation timeout must be <= 5s")
	}

	if c.Lockout.Enabled {
		if c.Lockout.Threshold <= 0 {
			return fmt.Errorf("lockout: threshold must be > 0")
		}
		if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
			return fmt.Errorf("lockout: window and duration must be > 0")
		}
	}

	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if c.Invalidation.MaxTries == 0 || c.Invalidation.QueueSize <= 0 {
		return fmt.Errorf("invalidation: max tries and queue size must be > 0")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit: buffer size must be > 0")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.JWT.PrivateKey = append([]byte(nil), c.JWT.PrivateKey...)
	out.JWT.PublicKey = append([]byte(nil), c.JWT.PublicKey...)
	if c.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(c.JWT.VerifyKeys))
		for kid, key := range c.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = append([]byte(nil), key...)
		}
	}
	if c.RateLimit.Rules != nil {
		out.RateLimit.Rules = make(map[ratelimit.Class]ratelimit.Rule, len(c.RateLimit.Rules))
		for class, rule := range c.RateLimit.Rules {
			out.RateLimit.Rules[class] = rule
		}
	}
	out.RateLimit.AuthClasses = append([]ratelimit.Class(nil), c.RateLimit.AuthClasses...)
	out.RateLimit.Penalty.Tiers = append([]ratelimit.PenaltyTier(nil), c.RateLimit.Penalty.Tiers...)
	return out
}

// maxRefreshLifetime bounds revocation entries whose session record is gone.
func (c Config) maxRefreshLifetime() time.Duration {
	if c.JWT.MaxRefreshLifetime > 0 {
		return c.JWT.MaxRefreshLifetime
	}
	return c.JWT.RefreshTTL
}
