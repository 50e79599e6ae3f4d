package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable wraps Redis failures. Decisions returned with it are fail-open.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	// ErrUnknownClass is returned for a class with no configured rule.
	ErrUnknownClass = errors.New("unknown rate limit class")
)

// KEYS[1] bucket, KEYS[2] penalty. ARGV[1] window ms.
// Returns {count, bucket ttl ms, penalty ttl ms}.
const consumeScript = `
local block = redis.call("PTTL", KEYS[2])
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
if block < 0 then
  block = 0
end
return {count, ttl, block}
`

// KEYS[1] failure counter, KEYS[2] penalty. ARGV[1] failure window ms,
// ARGV[2] base delay ms, ARGV[3..] ascending (failures, multiplier) pairs.
// The penalty is only ever extended. Returns {failures, delay ms}.
const failureScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local base = tonumber(ARGV[2])
local mult = 0
local i = 3
while ARGV[i] do
  if count >= tonumber(ARGV[i]) then
    mult = tonumber(ARGV[i + 1])
  end
  i = i + 2
end
local delay = base * mult
if delay > 0 then
  local current = redis.call("PTTL", KEYS[2])
  if current < delay then
    redis.call("SET", KEYS[2], count, "PX", delay)
  end
end
return {count, delay}
`

var (
	consumeLua = redis.NewScript(consumeScript)
	failureLua = redis.NewScript(failureScript)
)

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Penalized is set when an escalated failure penalty caused the denial.
	Penalized bool
	// FailOpen is set when the store could not be consulted.
	FailOpen bool
}

// Limiter is the Redis-backed fixed-window limiter.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	auth   map[Class]bool
	now    func() time.Time
}

// New creates a Limiter backed by client.
func New(client redis.UniversalClient, cfg Config) (*Limiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cloneConfig(cfg)

	auth := make(map[Class]bool, len(cfg.AuthClasses))
	for _, c := range cfg.AuthClasses {
		auth[c] = true
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{redis: client, config: cfg, auth: auth, now: now}, nil
}

// Identity composes the bucket identifier from the caller's address and, when
// authenticated, the subject. Anonymous and authenticated traffic from the
// same address land in different buckets.
func Identity(ip, subject string) string {
	if ip == "" {
		ip = "unknown"
	}
	if subject == "" {
		return "ip:" + ip
	}
	return "ip:" + ip + "|sub:" + subject
}

// Rule returns the configured rule for class.
func (l *Limiter) Rule(class Class) (Rule, bool) {
	r, ok := l.config.Rules[class]
	return r, ok
}

// IsAuthClass reports whether class carries progressive penalties.
func (l *Limiter) IsAuthClass(class Class) bool {
	return l.auth[class]
}

func (l *Limiter) bucketKey(class Class, identifier string) string {
	return l.config.Prefix + ":" + string(class) + ":" + identifier
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.config.OperationTimeout)
}

// CheckAndConsume counts one request for (identifier, class) and decides
// whether it may proceed. On store failure the decision is allowed with
// FailOpen set and the error is returned for observability.
func (l *Limiter) CheckAndConsume(ctx context.Context, identifier string, class Class) (Decision, error) {
	rule, ok := l.config.Rules[class]
	if !ok {
		return Decision{Allowed: true, FailOpen: true}, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}

	now := l.now()
	key := l.bucketKey(class, identifier)

	cctx, cancel := l.withTimeout(ctx)
	defer cancel()

	vals, err := consumeLua.Run(cctx, l.redis, []string{key, key + ":p"}, rule.Window.Milliseconds()).Int64Slice()
	if err == nil && len(vals) != 3 {
		err = fmt.Errorf("unexpected script reply length %d", len(vals))
	}
	if err != nil {
		return Decision{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window),
			FailOpen:  true,
		}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	count := vals[0]
	windowLeft := time.Duration(vals[1]) * time.Millisecond
	block := time.Duration(vals[2]) * time.Millisecond

	d := Decision{
		Allowed:   count <= int64(rule.Limit) && block == 0,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(count),
		ResetAt:   now.Add(windowLeft),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if count > int64(rule.Limit) {
		d.RetryAfter = windowLeft
	}
	if block > 0 {
		d.Penalized = true
		if block > d.RetryAfter {
			d.RetryAfter = block
		}
	}
	if !d.Allowed && d.RetryAfter <= 0 {
		d.RetryAfter = time.Millisecond
	}
	return d, nil
}

// RecordFailure counts a failed authentication for (identifier, class) and
// returns the penalty now in force. Non-auth classes are ignored.
func (l *Limiter) RecordFailure(ctx context.Context, identifier string, class Class) (time.Duration, error) {
	if !l.auth[class] {
		return 0, nil
	}

	key := l.bucketKey(class, identifier)
	args := make([]interface{}, 0, 2+2*len(l.config.Penalty.Tiers))
	args = append(args, l.config.Penalty.FailureWindow.Milliseconds(), l.config.Penalty.Base.Milliseconds())
	for _, tier := range l.config.Penalty.Tiers {
		args = append(args, tier.Failures, tier.Multiplier)
	}

	cctx, cancel := l.withTimeout(ctx)
	defer cancel()

	vals, err := failureLua.Run(cctx, l.redis, []string{key + ":f", key + ":p"}, args...).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 2 {
		return 0, fmt.Errorf("%w: unexpected script reply length %d", ErrStoreUnavailable, len(vals))
	}
	return time.Duration(vals[1]) * time.Millisecond, nil
}

// RecordSuccess clears the failure counter and any penalty for
// (identifier, class). The baseline window counter is untouched.
func (l *Limiter) RecordSuccess(ctx context.Context, identifier string, class Class) error {
	if !l.auth[class] {
		return nil
	}

	key := l.bucketKey(class, identifier)
	cctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.redis.Del(cctx, key+":f", key+":p").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Failures returns the current failure count for (identifier, class).
func (l *Limiter) Failures(ctx context.Context, identifier string, class Class) (int, error) {
	cctx, cancel := l.withTimeout(ctx)
	defer cancel()

	raw, err := l.redis.Get(cctx, l.bucketKey(class, identifier)+":f").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt failure counter", ErrStoreUnavailable)
	}
	return n, nil
}
