package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "gov", time.Hour)
	return store, rdb, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession(now time.Time) *Session {
	return &Session{
		SessionID:      "sid-1",
		Subject:        "u-1",
		CreatedAt:      now.UnixMilli(),
		LastActivityAt: now.UnixMilli(),
		ExpiresAt:      now.Add(time.Hour).UnixMilli(),
		IPHash:         [32]byte{1},
		UserAgentHash:  [32]byte{2},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save session: %v", err)
	}

	got, err := store.Get(ctx, sess.Subject, sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Subject != sess.Subject || got.SessionID != sess.SessionID {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.ExpiresAt != sess.ExpiresAt || got.IPHash != sess.IPHash || got.UserAgentHash != sess.UserAgentHash {
		t.Fatalf("field mismatch: %+v", got)
	}

	// Record TTL covers absolute expiry plus the grace window.
	ttl := rdb.PTTL(ctx, "gov:{u-1}:s:sid-1").Val()
	if ttl < 119*time.Minute || ttl > 2*time.Hour {
		t.Fatalf("unexpected record ttl %v", ttl)
	}
	if !rdb.SIsMember(ctx, "gov:{u-1}:idx", "sid-1").Val() {
		t.Fatal("expected session in subject index")
	}
}

func TestGetMissingSession(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()

	_, err := store.Get(context.Background(), "u-1", "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestGetCorruptRecord(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if err := rdb.Set(ctx, store.key("u-1", "bad"), []byte("bad"), time.Hour).Err(); err != nil {
		t.Fatalf("seed corrupt blob: %v", err)
	}
	if _, err := store.Get(ctx, "u-1", "bad"); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected ErrSessionCorrupt, got %v", err)
	}
	if _, err := store.MarkRevoked(ctx, "u-1", "bad"); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected ErrSessionCorrupt from patch, got %v", err)
	}
}

func TestTouchKeepsTTLAndFlags(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save session: %v", err)
	}
	before := rdb.PTTL(ctx, store.key(sess.Subject, sess.SessionID)).Val()

	later := now.Add(5 * time.Minute)
	if err := store.Touch(ctx, sess.Subject, sess.SessionID, later); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := store.Get(ctx, sess.Subject, sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastActivityAt != later.UnixMilli() {
		t.Fatalf("expected last activity %d, got %d", later.UnixMilli(), got.LastActivityAt)
	}
	if got.CreatedAt != sess.CreatedAt || got.ExpiresAt != sess.ExpiresAt || got.Revoked {
		t.Fatalf("touch altered unrelated fields: %+v", got)
	}
	after := rdb.PTTL(ctx, store.key(sess.Subject, sess.SessionID)).Val()
	if after <= 0 || after > before {
		t.Fatalf("touch changed ttl: before=%v after=%v", before, after)
	}

	if err := store.Touch(ctx, sess.Subject, "missing", later); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMarkRevokedFlipsOnce(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save session: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flipped, err := store.MarkRevoked(ctx, sess.Subject, sess.SessionID)
			if err != nil {
				t.Errorf("mark revoked: %v", err)
				return
			}
			results <- flipped
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for flipped := range results {
		if flipped {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one flip, got %d", winners)
	}

	got, err := store.Get(ctx, sess.Subject, sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Revoked {
		t.Fatal("expected revoked flag set")
	}
}

func TestDeleteIdempotentAndIndex(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()
	sess := testSession(now)

	if err := store.Save(ctx, sess, now); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.Delete(ctx, sess.Subject, sess.SessionID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, sess.Subject, sess.SessionID); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	members, err := rdb.SMembers(ctx, store.indexKey(sess.Subject)).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no index members, got %v", members)
	}
}

func TestListPrunesReclaimedRecords(t *testing.T) {
	store, rdb, mr, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	long := testSession(now)
	long.SessionID = "sid-long"
	long.ExpiresAt = now.Add(48 * time.Hour).UnixMilli()
	short := testSession(now)
	short.SessionID = "sid-short"

	for _, s := range []*Session{long, short} {
		if err := store.Save(ctx, s, now); err != nil {
			t.Fatalf("save %s: %v", s.SessionID, err)
		}
	}

	// Short record: 1h expiry + 1h grace.
	mr.FastForward(3 * time.Hour)

	list, err := store.List(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "sid-long" {
		t.Fatalf("expected only sid-long, got %+v", list)
	}
	if rdb.SIsMember(ctx, store.indexKey("u-1"), "sid-short").Val() {
		t.Fatal("expected reclaimed id pruned from index")
	}
}

func TestSaveNeverShortensIndexTTL(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	long := testSession(now)
	long.SessionID = "sid-long"
	long.ExpiresAt = now.Add(48 * time.Hour).UnixMilli()
	if err := store.Save(ctx, long, now); err != nil {
		t.Fatalf("save long: %v", err)
	}
	longTTL := rdb.PTTL(ctx, store.indexKey("u-1")).Val()

	short := testSession(now)
	short.SessionID = "sid-short"
	if err := store.Save(ctx, short, now); err != nil {
		t.Fatalf("save short: %v", err)
	}
	if got := rdb.PTTL(ctx, store.indexKey("u-1")).Val(); got < longTTL {
		t.Fatalf("index TTL shrank from %v to %v", longTTL, got)
	}

	longer := testSession(now)
	longer.SessionID = "sid-longer"
	longer.ExpiresAt = now.Add(72 * time.Hour).UnixMilli()
	if err := store.Save(ctx, longer, now); err != nil {
		t.Fatalf("save longer: %v", err)
	}
	if got := rdb.PTTL(ctx, store.indexKey("u-1")).Val(); got <= longTTL {
		t.Fatalf("expected index TTL extended past %v, got %v", longTTL, got)
	}
	if n := rdb.SCard(ctx, store.indexKey("u-1")).Val(); n != 3 {
		t.Fatalf("expected 3 index members, got %d", n)
	}
}

func TestSaveRejectsPastRetention(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	now := time.Now()
	sess := testSession(now)
	sess.ExpiresAt = now.Add(-2 * time.Hour).UnixMilli()

	if err := store.Save(context.Background(), sess, now); err == nil {
		t.Fatal("expected error for session past retention")
	}
}

func TestDeviceAnomalyEmittedOncePerWindow(t *testing.T) {
	store, _, mr, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	first, err := store.ShouldEmitDeviceAnomaly(ctx, "u-1", "sid-1", "ip", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first anomaly emitted, got %v err=%v", first, err)
	}
	second, err := store.ShouldEmitDeviceAnomaly(ctx, "u-1", "sid-1", "ip", time.Minute)
	if err != nil || second {
		t.Fatalf("expected second anomaly suppressed, got %v err=%v", second, err)
	}

	mr.FastForward(2 * time.Minute)
	third, err := store.ShouldEmitDeviceAnomaly(ctx, "u-1", "sid-1", "ip", time.Minute)
	if err != nil || !third {
		t.Fatalf("expected anomaly emitted after window, got %v err=%v", third, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store, _, mr, done := newSessionStoreTest(t)
	defer done()
	mr.SetError("LOADING")

	_, err := store.Get(context.Background(), "u-1", "sid-1")
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if _, err := store.Ping(context.Background()); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ping ErrRedisUnavailable, got %v", err)
	}
}
