package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps every transport or server error from Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionNotFound is returned when the record does not exist or has been reclaimed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCorrupt is returned when a stored record cannot be decoded.
	ErrSessionCorrupt = errors.New("session record corrupt")
)

const (
	patchStatusMissing int64 = 0
	patchStatusPatched int64 = 1
	patchStatusNoop    int64 = 2
	patchStatusBadBlob int64 = 3
)

// KEYS[1] session key. ARGV[1] format version, ARGV[2] op ("touch"|"revoke"),
// ARGV[3] 8-byte big-endian last-activity (touch only).
const patchSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
if #data < 90 or string.byte(data, 1) ~= tonumber(ARGV[1]) then
  return 3
end

local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end

local flags = string.byte(data, 2)
local patched
if ARGV[2] == "revoke" then
  if flags % 2 == 1 then
    return 2
  end
  patched = string.sub(data, 1, 1) .. string.char(flags + 1) .. string.sub(data, 3)
else
  patched = string.sub(data, 1, 10) .. ARGV[3] .. string.sub(data, 19)
end

redis.call("SET", KEYS[1], patched, "PX", ttl)
return 1
`

var patchSessionLua = redis.NewScript(patchSessionScript)

// KEYS[1] counter key. ARGV[1] window in milliseconds.
const windowCounterScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

var windowCounterLua = redis.NewScript(windowCounterScript)

// KEYS[1] session key, KEYS[2] subject index. ARGV[1] record, ARGV[2] ttl in
// milliseconds, ARGV[3] session id. The index TTL only ever grows so it
// outlives the longest-lived member.
const saveSessionScript = `
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
redis.call("SADD", KEYS[2], ARGV[3])
if redis.call("PTTL", KEYS[2]) < ttl then
  redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`

var saveSessionLua = redis.NewScript(saveSessionScript)

// Store is the Redis-backed session record store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewStore returns a Store writing under prefix. Records outlive their
// absolute expiry by grace before Redis reclaims them.
func NewStore(client redis.UniversalClient, prefix string, grace time.Duration) *Store {
	if prefix == "" {
		prefix = "gov"
	}
	if grace < 0 {
		grace = 0
	}
	return &Store{
		redis:  client,
		prefix: prefix,
		grace:  grace,
	}
}

// SubjectNamespace returns the key prefix shared by every record belonging to
// subject. The hash tag keeps a subject's keys in one cluster slot.
func SubjectNamespace(prefix, subject string) string {
	return prefix + ":{" + subject + "}"
}

func (s *Store) key(subject, sessionID string) string {
	return SubjectNamespace(s.prefix, subject) + ":s:" + sessionID
}

func (s *Store) indexKey(subject string) string {
	return SubjectNamespace(s.prefix, subject) + ":idx"
}

func (s *Store) replayKey(subject, sessionID string) string {
	return SubjectNamespace(s.prefix, subject) + ":rp:" + sessionID
}

func (s *Store) anomalyKey(subject, sessionID, kind string) string {
	return SubjectNamespace(s.prefix, subject) + ":an:" + sessionID + ":" + kind
}

// Save persists sess and adds it to the subject's session index. The record
// expires at sess.ExpiresAt plus the grace window.
func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := time.UnixMilli(sess.ExpiresAt).Sub(now) + s.grace
	if ttl <= 0 {
		return fmt.Errorf("session %s already past retention", sess.SessionID)
	}

	err = saveSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sess.Subject, sess.SessionID), s.indexKey(sess.Subject)},
		data,
		ttl.Milliseconds(),
		sess.SessionID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session record.
func (s *Store) Get(ctx context.Context, subject, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(subject, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	return sess, nil
}

// Touch records activity on a session without altering its TTL or flags.
func (s *Store) Touch(ctx context.Context, subject, sessionID string, at time.Time) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixMilli()))

	status, err := s.patch(ctx, subject, sessionID, "touch", ts[:])
	if err != nil {
		return err
	}
	if status == patchStatusMissing {
		return ErrSessionNotFound
	}
	return nil
}

// MarkRevoked sets the revocation flag on a record. It reports true only for
// the call that flipped the flag.
func (s *Store) MarkRevoked(ctx context.Context, subject, sessionID string) (bool, error) {
	status, err := s.patch(ctx, subject, sessionID, "revoke", nil)
	if err != nil {
		return false, err
	}
	switch status {
	case patchStatusMissing:
		return false, ErrSessionNotFound
	case patchStatusNoop:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) patch(ctx context.Context, subject, sessionID, op string, arg []byte) (int64, error) {
	if arg == nil {
		arg = []byte{}
	}
	status, err := patchSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(subject, sessionID)},
		formatVersionCurrent,
		op,
		arg,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if status == patchStatusBadBlob {
		return 0, ErrSessionCorrupt
	}
	return status, nil
}

// Delete removes a record and its index entry. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, subject, sessionID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(subject, sessionID))
		pipe.SRem(ctx, s.indexKey(subject), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// List returns the subject's records that have not yet been reclaimed. Index
// entries whose record is gone are pruned.
func (s *Store) List(ctx context.Context, subject string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(subject)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(subject, id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]*Session, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := Decode([]byte(raw))
		if err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, sess)
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, s.indexKey(subject), stale...).Err()
	}
	return out, nil
}

// TrackReplayAnomaly counts reuse of a rotated refresh credential.
func (s *Store) TrackReplayAnomaly(ctx context.Context, subject, sessionID string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.incrementWindow(ctx, s.replayKey(subject, sessionID), window)
}

// ShouldEmitDeviceAnomaly reports true for the first anomaly of kind seen
// for a session within window, so repeated anomalies are not re-emitted.
func (s *Store) ShouldEmitDeviceAnomaly(ctx context.Context, subject, sessionID, kind string, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, err := s.incrementWindow(ctx, s.anomalyKey(subject, sessionID, kind), window)
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func (s *Store) incrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := windowCounterLua.Run(ctx, s.redis, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}

// Ping measures round-trip latency to the backing store.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
