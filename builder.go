package govern

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clank08/govern/cache"
	"github.com/clank08/govern/internal/audit"
	"github.com/clank08/govern/internal/limiters"
	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/password"
	"github.com/clank08/govern/ratelimit"
	"github.com/clank08/govern/revocation"
	"github.com/clank08/govern/session"
)

// Builder assembles an Engine. Every handle the engine uses is passed in
// here; nothing is read from package-level state. A Builder builds once.
type Builder struct {
	config       Config
	redis        redis.UniversalClient
	userProvider UserProvider
	auditSink    AuditSink
	logger       *zap.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration with a copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared key-value store. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserProvider sets the persistent user store used by Login and
// ChangePassword.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the wall clock used for issuing and revoking. Tests
// use it to step time without sleeping.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	cfg := cloneConfig(b.config)
	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("govern")

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:          cfg.JWT.AccessTTL,
		RefreshTTL:         cfg.JWT.RefreshTTL,
		MaxAccessLifetime:  cfg.JWT.MaxAccessLifetime,
		MaxRefreshLifetime: cfg.JWT.MaxRefreshLifetime,
		SigningMethod:      cfg.JWT.SigningMethod,
		PrivateKey:         cfg.JWT.PrivateKey,
		PublicKey:          cfg.JWT.PublicKey,
		Issuer:             cfg.JWT.Issuer,
		Audience:           cfg.JWT.Audience,
		Leeway:             cfg.JWT.Leeway,
		MaxFutureIAT:       cfg.JWT.MaxClockSkew,
		KeyID:              cfg.JWT.KeyID,
		VerifyKeys:         cfg.JWT.VerifyKeys,
		Now:                now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	metrics := NewMetrics(cfg.Metrics)

	rlCfg := cfg.RateLimit
	if rlCfg.Now == nil {
		rlCfg.Now = now
	}
	limiter, err := ratelimit.New(b.redis, rlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	cacheLogger := logger.Named("cache")
	cacheCfg := cfg.Cache
	userOnError := cacheCfg.OnError
	cacheCfg.OnError = func(op string, err error) {
		metrics.Inc(MetricCacheError)
		cacheLogger.Warn("cache operation failed", zap.String("op", op), zap.Error(err))
		if userOnError != nil {
			userOnError(op, err)
		}
	}
	c, err := cache.New(b.redis, cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	invCfg := cfg.Invalidation
	if invCfg.Logger == nil {
		invCfg.Logger = cacheLogger
	}

	e := &Engine{
		config:       cfg,
		redis:        b.redis,
		jwt:          jwtManager,
		sessions:     session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.GCGrace),
		revocations:  revocation.NewStore(b.redis, cfg.Session.RedisPrefix),
		lockout:      limiters.NewLockoutLimiter(b.redis, limiters.LockoutConfig(cfg.Lockout)),
		limiter:      limiter,
		cache:        c,
		invalidator:  cache.NewInvalidator(c, invCfg),
		hasher:       hasher,
		userProvider: b.userProvider,
		metrics:      metrics,
		logger:       logger,
		now:          now,
	}
	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		BufferSize:    cfg.Audit.BufferSize,
		DropIfFull:    cfg.Audit.DropIfFull,
		CriticalTypes: criticalAuditEvents,
		CriticalWait:  cfg.Audit.CriticalWait,
	}, b.auditSink)
	e.initFlowDeps()

	b.built = true
	return e, nil
}
