package govern

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clank08/govern/internal/audit"
	"github.com/clank08/govern/password"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 250*int(time.Millisecond), time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memoryUsers struct {
	mu       sync.Mutex
	bySub    map[string]*UserRecord
	upgrades int
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{bySub: map[string]*UserRecord{}}
}

func (m *memoryUsers) add(t *testing.T, h *password.Hasher, subject, identifier, plain string) {
	t.Helper()
	hash, err := h.Hash(plain)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	m.put(UserRecord{Subject: subject, Identifier: identifier, PasswordHash: hash})
}

func (m *memoryUsers) put(u UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySub[u.Subject] = &u
}

func (m *memoryUsers) GetUserByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.bySub {
		if strings.EqualFold(u.Identifier, identifier) {
			return *u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (m *memoryUsers) GetUserBySubject(_ context.Context, subject string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.bySub[subject]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return *u, nil
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, subject, hash string, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.bySub[subject]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = changedAt
	return nil
}

func (m *memoryUsers) UpgradePasswordHash(_ context.Context, subject, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.bySub[subject]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	m.upgrades++
	return nil
}

type testEngine struct {
	*Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *testClock
	users  *memoryUsers
	events *audit.ChannelSink
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

func testConfig(t *testing.T) (Config, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Password = password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		AllowBcrypt: true,
	}
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = false
	return cfg, pub, priv
}

func newTestEngine(t *testing.T, mutate func(*Config)) *testEngine {
	t.Helper()

	cfg, pub, priv := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := newTestClock()
	users := newMemoryUsers()
	events := audit.NewChannelSink(256)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithAuditSink(events).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	te := &testEngine{
		Engine: engine,
		mr:     mr,
		rdb:    rdb,
		clock:  clock,
		users:  users,
		events: events,
		pub:    pub,
		priv:   priv,
	}
	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return te
}

// drainEvents closes the dispatcher and returns every delivered event type.
func (te *testEngine) drainEvents() []AuditEvent {
	te.audit.Close()
	var out []AuditEvent
	for {
		select {
		case e := <-te.events.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []AuditEvent, eventType string) (AuditEvent, bool) {
	for _, e := range events {
		if e.EventType == eventType {
			return e, true
		}
	}
	return AuditEvent{}, false
}
