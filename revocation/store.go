package revocation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps every transport or server error from Redis.
// Callers treat it as "cannot prove the credential is live" and fail closed.
var ErrStoreUnavailable = errors.New("revocation store unavailable")

// KEYS[1] revoke-before key. ARGV[1] instant (unix ms), ARGV[2] ttl (ms).
// The stored instant never moves backwards; the ttl is always extended.
const revokeSubjectScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local requested = tonumber(ARGV[1])
local effective = current
if requested > current then
  effective = requested
  redis.call("SET", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return effective
`

var revokeSubjectLua = redis.NewScript(revokeSubjectScript)

// Store is the Redis-backed revocation store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store writing under prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "gov"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) namespace(subject string) string {
	return s.prefix + ":{" + subject + "}"
}

func (s *Store) sessionKey(subject, sessionID string) string {
	return s.namespace(subject) + ":rv:" + sessionID
}

func (s *Store) subjectKey(subject string) string {
	return s.namespace(subject) + ":rvb"
}

// RevokeSession marks sessionID revoked for ttl. It reports true only for the
// caller that created the entry; concurrent callers for the same session see
// false. The refresh flow relies on this to make rotation single-use.
func (s *Store) RevokeSession(ctx context.Context, subject, sessionID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.redis.SetNX(ctx, s.sessionKey(subject, sessionID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// RevokeSubject raises the subject's revoke-before instant to before, keeping
// the entry for at least ttl. It returns the effective instant, which is the
// later of before and any instant already stored.
func (s *Store) RevokeSubject(ctx context.Context, subject string, before time.Time, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	ms, err := revokeSubjectLua.Run(
		ctx,
		s.redis,
		[]string{s.subjectKey(subject)},
		before.UnixMilli(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.UnixMilli(ms), nil
}

// RevokedBefore returns the subject's revoke-before instant, or the zero time
// when none is recorded.
func (s *Store) RevokedBefore(ctx context.Context, subject string) (time.Time, error) {
	raw, err := s.redis.Get(ctx, s.subjectKey(subject)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return parseMillis(raw)
}

// IsRevoked reports whether a credential for (subject, sessionID) issued at
// issuedAt has been revoked, either individually or by a subject-wide entry.
// A credential issued at exactly the revoke-before instant stays valid.
func (s *Store) IsRevoked(ctx context.Context, subject, sessionID string, issuedAt time.Time) (bool, error) {
	var (
		exists *redis.IntCmd
		before *redis.StringCmd
	)
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, s.sessionKey(subject, sessionID))
		before = pipe.Get(ctx, s.subjectKey(subject))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if exists.Val() > 0 {
		return true, nil
	}

	raw, err := before.Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	cutoff, err := parseMillis(raw)
	if err != nil {
		return false, err
	}
	return issuedAt.UnixMilli() < cutoff.UnixMilli(), nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: corrupt revoke-before %q", ErrStoreUnavailable, raw)
	}
	return time.UnixMilli(ms), nil
}
