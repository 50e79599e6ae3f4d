package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig holds configuration for the login lockout limiter.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	// Window bounds how long failures accumulate before the counter resets.
	Window time.Duration
	// Duration is how long the lock lasts, measured from the locking failure.
	Duration time.Duration
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// KEYS[1] counter. ARGV[1] window ms, ARGV[2] threshold, ARGV[3] lock duration ms.
const recordFailureScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count == tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return count
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// LockoutLimiter counts failed logins per identifier and reports the
// identifier locked once the threshold is reached within the window.
type LockoutLimiter struct {
	redis  redis.UniversalClient
	config LockoutConfig
}

// NewLockoutLimiter creates a new lockout limiter.
func NewLockoutLimiter(redisClient redis.UniversalClient, cfg LockoutConfig) *LockoutLimiter {
	return &LockoutLimiter{redis: redisClient, config: cfg}
}

func (l *LockoutLimiter) key(identifier string) string {
	return "lo:" + identifier
}

// Locked reports whether identifier is locked and, if so, how long remains.
func (l *LockoutLimiter) Locked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	if l == nil || !l.config.Enabled || identifier == "" {
		return false, 0, nil
	}

	var (
		count *redis.StringCmd
		ttl   *redis.DurationCmd
	)
	_, err := l.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Get(ctx, l.key(identifier))
		ttl = pipe.PTTL(ctx, l.key(identifier))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	n, err := count.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if n < int64(l.config.Threshold) {
		return false, 0, nil
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, nil
}

// RecordFailure increments the failure counter for identifier.
// Returns true if this failure reached the threshold and locked the identifier.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, identifier string) (bool, error) {
	if l == nil || !l.config.Enabled || identifier == "" {
		return false, nil
	}

	count, err := recordFailureLua.Run(
		ctx,
		l.redis,
		[]string{l.key(identifier)},
		l.config.Window.Milliseconds(),
		l.config.Threshold,
		l.config.Duration.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	return count == int64(l.config.Threshold), nil
}

// Reset clears the failure counter for identifier (after a successful login).
func (l *LockoutLimiter) Reset(ctx context.Context, identifier string) error {
	if l == nil || !l.config.Enabled || identifier == "" {
		return nil
	}

	if err := l.redis.Del(ctx, l.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// GetFailureCount returns the current failure count for identifier.
func (l *LockoutLimiter) GetFailureCount(ctx context.Context, identifier string) (int, error) {
	if l == nil || !l.config.Enabled || identifier == "" {
		return 0, nil
	}

	count, err := l.redis.Get(ctx, l.key(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}
