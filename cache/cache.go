package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrMiss is returned when a key is absent.
	ErrMiss = errors.New("cache miss")
	// ErrStoreUnavailable wraps Redis failures.
	ErrStoreUnavailable = errors.New("cache store unavailable")
	// ErrEntryTooLarge is returned when a value exceeds MaxEntryBytes.
	ErrEntryTooLarge = errors.New("cache entry too large")
	// ErrFenced is returned by Fill when a tag was invalidated after the lookup.
	ErrFenced = errors.New("cache fill fenced by invalidation")
)

// KEYS[1] entry, KEYS[2..n+1] tag sets, KEYS[n+2..2n+1] tag versions.
// ARGV[1] value, ARGV[2] ttl ms, ARGV[3] n, ARGV[4] "1" when fenced,
// ARGV[5..n+4] expected versions. Returns 1 on write, 0 when fenced.
const setScript = `
local n = tonumber(ARGV[3])
if ARGV[4] == "1" then
  for i = 1, n do
    local v = redis.call("GET", KEYS[n + 1 + i])
    if not v then
      v = ""
    end
    if v ~= ARGV[4 + i] then
      return 0
    end
  end
end

redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
local ttl = tonumber(ARGV[2])
for i = 1, n do
  local res = redis.pcall("SADD", KEYS[1 + i], KEYS[1])
  if type(res) == "table" and res.err then
    redis.call("DEL", KEYS[1])
    for j = 1, i - 1 do
      redis.call("SREM", KEYS[1 + j], KEYS[1])
    end
    return redis.error_reply(res.err)
  end
  if redis.call("PTTL", KEYS[1 + i]) < ttl then
    redis.call("PEXPIRE", KEYS[1 + i], ttl)
  end
end
return 1
`

// KEYS[1] tag set, KEYS[2] tag version. ARGV[1] version ttl ms.
// Returns the number of entries removed.
const invalidateTagScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local deleted = 0
local batch = 500
for i = 1, #members, batch do
  local last = math.min(i + batch - 1, #members)
  deleted = deleted + redis.call("DEL", unpack(members, i, last))
end
redis.call("DEL", KEYS[1])
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return deleted
`

var (
	setLua           = redis.NewScript(setScript)
	invalidateTagLua = redis.NewScript(invalidateTagScript)
)

// Cache is the Redis-backed tag-indexed cache.
type Cache struct {
	redis  redis.UniversalClient
	config Config
	group  singleflight.Group
}

// New creates a Cache backed by client.
func New(client redis.UniversalClient, cfg Config) (*Cache, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{redis: client, config: cfg}, nil
}

// DefaultTTL returns the TTL applied when callers pass zero.
func (c *Cache) DefaultTTL() time.Duration {
	return c.config.DefaultTTL
}

func (c *Cache) entryKey(key string) string   { return c.config.Prefix + ":k:" + key }
func (c *Cache) tagKey(tag string) string     { return c.config.Prefix + ":t:" + tag }
func (c *Cache) versionKey(tag string) string { return c.config.Prefix + ":v:" + tag }

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

// Get returns the value stored under key or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	v, err := c.redis.Get(cctx, c.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, nil
}

// Set stores value under key for ttl and registers key under every tag. The
// entry and its tag registrations are written together or not at all.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	_, err := c.set(ctx, key, value, ttl, tags, nil)
	return err
}

func (c *Cache) set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string, versions []string) (bool, error) {
	if len(value) > c.config.MaxEntryBytes {
		return false, ErrEntryTooLarge
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	tags = dedupe(tags)
	n := len(tags)

	keys := make([]string, 0, 1+2*n)
	keys = append(keys, c.entryKey(key))
	for _, t := range tags {
		keys = append(keys, c.tagKey(t))
	}
	for _, t := range tags {
		keys = append(keys, c.versionKey(t))
	}

	fenced := "0"
	if versions != nil {
		fenced = "1"
	}
	args := make([]interface{}, 0, 4+n)
	args = append(args, value, ttl.Milliseconds(), n, fenced)
	for i := 0; i < n; i++ {
		v := ""
		if versions != nil {
			v = versions[i]
		}
		args = append(args, v)
	}

	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	written, err := setLua.Run(cctx, c.redis, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return written == 1, nil
}

// Delete removes one entry. Its tag registrations are left to expire.
func (c *Cache) Delete(ctx context.Context, key string) error {
	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.redis.Del(cctx, c.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// InvalidateByTag removes every entry carrying any of tags, then the tag sets
// themselves, and bumps each tag's version so in-flight fenced fills fail.
// It returns the number of entries removed.
func (c *Cache) InvalidateByTag(ctx context.Context, tags ...string) (int64, error) {
	var total int64
	for _, tag := range dedupe(tags) {
		cctx, cancel := c.withTimeout(ctx)
		n, err := invalidateTagLua.Run(
			cctx,
			c.redis,
			[]string{c.tagKey(tag), c.versionKey(tag)},
			c.config.TagVersionTTL.Milliseconds(),
		).Int64()
		cancel()
		if err != nil {
			return total, fmt.Errorf("%w: invalidate tag %q: %v", ErrStoreUnavailable, tag, err)
		}
		total += n
	}
	return total, nil
}

// InvalidateByPattern deletes every entry whose key matches one of the glob
// patterns (Redis MATCH syntax, applied to the logical key).
func (c *Cache) InvalidateByPattern(ctx context.Context, patterns ...string) (int64, error) {
	var total int64
	for _, pattern := range dedupe(patterns) {
		n, err := c.invalidatePattern(ctx, pattern)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) (int64, error) {
	match := c.entryKey(pattern)
	var (
		cursor  uint64
		deleted int64
	)
	for {
		cctx, cancel := c.withTimeout(ctx)
		keys, next, err := c.redis.Scan(cctx, cursor, match, c.config.ScanCount).Result()
		if err == nil && len(keys) > 0 {
			var n int64
			n, err = c.redis.Del(cctx, keys...).Result()
			deleted += n
		}
		cancel()
		if err != nil {
			return deleted, fmt.Errorf("%w: invalidate pattern %q: %v", ErrStoreUnavailable, pattern, err)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// LookupResult is the result of a fenced read.
type LookupResult struct {
	Key   string
	Tags  []string
	Value []byte
	Hit   bool

	versions []string
}

// Lookup reads key and captures the current version of each tag in one round
// trip. Pass the result to Fill to store a freshly computed value.
func (c *Cache) Lookup(ctx context.Context, key string, tags []string) (LookupResult, error) {
	tags = dedupe(tags)
	lk := LookupResult{Key: key, Tags: tags}

	cctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		get  *redis.StringCmd
		vers *redis.SliceCmd
	)
	_, err := c.redis.Pipelined(cctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(cctx, c.entryKey(key))
		if len(tags) > 0 {
			vkeys := make([]string, len(tags))
			for i, t := range tags {
				vkeys[i] = c.versionKey(t)
			}
			vers = pipe.MGet(cctx, vkeys...)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return lk, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	lk.versions = make([]string, len(tags))
	if vers != nil {
		for i, v := range vers.Val() {
			if i >= len(lk.versions) {
				break
			}
			switch t := v.(type) {
			case string:
				lk.versions[i] = t
			case int64:
				lk.versions[i] = strconv.FormatInt(t, 10)
			}
		}
	}

	value, err := get.Bytes()
	switch {
	case err == nil:
		lk.Value = value
		lk.Hit = true
	case errors.Is(err, redis.Nil):
	default:
		return lk, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return lk, nil
}

// Fill stores value for a prior Lookup unless one of its tags was invalidated
// since, in which case ErrFenced is returned and nothing is written.
func (c *Cache) Fill(ctx context.Context, lk LookupResult, value []byte, ttl time.Duration) error {
	versions := lk.versions
	if versions == nil {
		versions = make([]string, len(lk.Tags))
	}
	written, err := c.set(ctx, lk.Key, value, ttl, lk.Tags, versions)
	if err != nil {
		return err
	}
	if !written {
		return ErrFenced
	}
	return nil
}

// Status reports how GetOrLoad produced its value.
type Status int

const (
	// StatusHit means the value came from the cache.
	StatusHit Status = iota
	// StatusMiss means the value was loaded and offered to the cache.
	StatusMiss
	// StatusBypass means the cache was unavailable and the value was loaded uncached.
	StatusBypass
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "HIT"
	case StatusMiss:
		return "MISS"
	default:
		return "BYPASS"
	}
}

// GetOrLoad returns the cached value for key, or runs load once per key
// across concurrent callers and fills the cache with the result. Cache
// failures never fail the call; only load errors are returned.
func (c *Cache) GetOrLoad(ctx context.Context, key string, tags []string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, Status, error) {
	lk, lookupErr := c.Lookup(ctx, key, tags)
	if lookupErr == nil && lk.Hit {
		return lk.Value, StatusHit, nil
	}
	if lookupErr != nil {
		c.observe("lookup", lookupErr)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if lookupErr == nil {
			if ferr := c.Fill(ctx, lk, value, ttl); ferr != nil && !errors.Is(ferr, ErrFenced) {
				c.observe("fill", ferr)
			}
		}
		return value, nil
	})
	if err != nil {
		return nil, StatusMiss, err
	}

	status := StatusMiss
	if lookupErr != nil {
		status = StatusBypass
	}
	return v.([]byte), status, nil
}

func (c *Cache) observe(op string, err error) {
	if c.config.OnError != nil {
		c.config.OnError(op, err)
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
