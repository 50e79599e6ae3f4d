package govern

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clank08/govern/jwt"
)

func TestIssueValidateRoundTrip(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	for _, subject := range []string{"u1", "user-42", "a@b.c"} {
		tokens, err := te.Issue(ctx, subject)
		if err != nil {
			t.Fatalf("Issue(%s): %v", subject, err)
		}
		claims, err := te.Validate(ctx, tokens.AccessToken)
		if err != nil {
			t.Fatalf("Validate(%s): %v", subject, err)
		}
		if claims.Subject != subject {
			t.Fatalf("expected subject %s, got %s", subject, claims.Subject)
		}
		if claims.SessionID != tokens.Session.SessionID {
			t.Fatalf("session id mismatch: %s vs %s", claims.SessionID, tokens.Session.SessionID)
		}
		if !claims.ExpiresAt.After(claims.IssuedAt) {
			t.Fatalf("expected exp after iat: %+v", claims)
		}
	}
}

func TestValidateRejectsRefreshCredential(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, err := te.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := te.Validate(context.Background(), tokens.RefreshToken); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for refresh credential, got %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, err := te.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	te.clock.Advance(14 * time.Minute)
	if _, err := te.Validate(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}

	te.clock.Advance(2 * time.Minute)
	_, err = te.Validate(context.Background(), tokens.AccessToken)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if ReasonOf(err) != ReasonExpired {
		t.Fatalf("expected reason EXPIRED, got %q", ReasonOf(err))
	}
}

func TestValidateTamperedSignature(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, err := te.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(tokens.AccessToken, ".")
	sig := []byte(parts[2])
	mid := len(sig) / 2
	if sig[mid] == 'A' {
		sig[mid] = 'B'
	} else {
		sig[mid] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = te.Validate(context.Background(), tampered)
	if !errors.Is(err, ErrTokenInvalidSignature) {
		t.Fatalf("expected ErrTokenInvalidSignature, got %v", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	te := newTestEngine(t, nil)
	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := te.Validate(context.Background(), tok)
		if ReasonOf(err) != ReasonMalformed {
			t.Fatalf("Validate(%q): expected MALFORMED, got %v", tok, err)
		}
	}
}

func TestValidateExcessiveLifetime(t *testing.T) {
	te := newTestEngine(t, nil)

	forger, err := jwt.NewManager(jwt.Config{
		AccessTTL:     365 * 24 * time.Hour,
		RefreshTTL:    365 * 24 * time.Hour,
		SigningMethod: jwt.MethodEd25519,
		PrivateKey:    te.priv,
		PublicKey:     te.pub,
		Issuer:        te.config.JWT.Issuer,
		Audience:      te.config.JWT.Audience,
		Now:           te.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, _, err := forger.Issue(jwt.KindAccess, "u1", "sid-forged", te.clock.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = te.Validate(context.Background(), token)
	if !errors.Is(err, ErrTokenExcessiveLifetime) {
		t.Fatalf("expected ErrTokenExcessiveLifetime, got %v", err)
	}
}

func TestLogoutTakesEffectOnNextValidate(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	tokens, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := te.Logout(ctx, tokens.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := te.Validate(ctx, tokens.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked after logout, got %v", err)
	}
	if _, err := te.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected refresh of logged-out session to be revoked, got %v", err)
	}
	if err := te.Logout(ctx, tokens.AccessToken); err != nil {
		t.Fatalf("second Logout should be idempotent, got %v", err)
	}

	sessions, err := te.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Revoked {
		t.Fatalf("expected one revoked session record, got %+v", sessions)
	}
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	te.clock.Advance(time.Minute)

	second, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.Session.SessionID == first.Session.SessionID {
		t.Fatal("expected a new session id after rotation")
	}
	if !second.Session.CreatedAt.Equal(first.Session.CreatedAt) {
		t.Fatalf("expected creation time carried forward, got %v vs %v", second.Session.CreatedAt, first.Session.CreatedAt)
	}
	if _, err := te.Validate(ctx, second.AccessToken); err != nil {
		t.Fatalf("new access credential invalid: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := te.Refresh(ctx, first.RefreshToken)
		if !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("reuse %d: expected ErrTokenRevoked, got %v", i+1, err)
		}
	}
	if _, err := te.Validate(ctx, first.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected rotated session's access credential revoked, got %v", err)
	}

	if got := te.metrics.Value(MetricRefreshReuseDetected); got != 3 {
		t.Fatalf("expected 3 reuse detections, got %d", got)
	}
	events := te.drainEvents()
	reuse, ok := hasEvent(events, AuditRefreshReuse)
	if !ok {
		t.Fatal("expected refresh_reuse_detected audit event")
	}
	if reuse.Subject != "u1" || reuse.SessionID != first.Session.SessionID {
		t.Fatalf("unexpected reuse event: %+v", reuse)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, err := te.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := te.Refresh(context.Background(), tokens.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, revoked := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrTokenRevoked):
			revoked++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 || revoked != n-1 {
		t.Fatalf("expected 1 success and %d revoked, got %d and %d", n-1, success, revoked)
	}
}

func TestRefreshChainBoundedByAbsoluteLifetime(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.AbsoluteLifetime = 10 * 24 * time.Hour })
	ctx := context.Background()

	first, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	deadline := first.Session.CreatedAt.Add(10 * 24 * time.Hour)

	current := first
	for i, step := range []time.Duration{6 * 24 * time.Hour, 3 * 24 * time.Hour} {
		te.clock.Advance(step)
		te.mr.FastForward(step)

		next, err := te.Refresh(ctx, current.RefreshToken)
		if err != nil {
			t.Fatalf("refresh %d: %v", i+1, err)
		}
		if next.RefreshExpiresAt.After(deadline) || next.AccessExpiresAt.After(deadline) {
			t.Fatalf("refresh %d: credentials outlive the chain deadline %v: access %v refresh %v",
				i+1, deadline, next.AccessExpiresAt, next.RefreshExpiresAt)
		}
		if next.Session.ExpiresAt.After(deadline) {
			t.Fatalf("refresh %d: session expiry %v past deadline %v", i+1, next.Session.ExpiresAt, deadline)
		}
		current = next
	}

	te.clock.Advance(24*time.Hour + time.Minute)
	te.mr.FastForward(24*time.Hour + time.Minute)
	if _, err := te.Refresh(ctx, current.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired past the absolute lifetime, got %v", err)
	}
}

func TestRefreshWithoutRecordKeepsDeadline(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.AbsoluteLifetime = 10 * 24 * time.Hour })
	ctx := context.Background()

	first, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := te.sessions.Delete(ctx, "u1", first.Session.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	te.clock.Advance(6 * 24 * time.Hour)
	next, err := te.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshExpiresAt.After(first.RefreshExpiresAt) {
		t.Fatalf("chain without a record was extended: %v after %v", next.RefreshExpiresAt, first.RefreshExpiresAt)
	}
}

func TestRevokeSubjectBoundary(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	before, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, err := te.Issue(ctx, "u2")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	te.clock.Advance(10 * time.Millisecond)
	cutoff, err := te.RevokeSubject(ctx, "u1")
	if err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}
	if cutoff.UnixMilli() != te.clock.Now().UnixMilli() {
		t.Fatalf("unexpected cutoff %v", cutoff)
	}

	sameInstant, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	te.clock.Advance(10 * time.Millisecond)
	after, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := te.Validate(ctx, before.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("session issued before revoke should be revoked, got %v", err)
	}
	if _, err := te.Refresh(ctx, before.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("refresh issued before revoke should be revoked, got %v", err)
	}
	for name, tok := range map[string]string{"same-instant": sameInstant.AccessToken, "after": after.AccessToken} {
		if _, err := te.Validate(ctx, tok); err != nil {
			t.Fatalf("%s session should stay valid, got %v", name, err)
		}
	}
	if _, err := te.Validate(ctx, other.AccessToken); err != nil {
		t.Fatalf("other subject should be unaffected, got %v", err)
	}
}

func TestRevokeSession(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	a, _ := te.Issue(ctx, "u1")
	b, _ := te.Issue(ctx, "u1")
	if err := te.RevokeSession(ctx, "u1", a.Session.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := te.Validate(ctx, a.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, err := te.Validate(ctx, b.AccessToken); err != nil {
		t.Fatalf("sibling session should stay valid, got %v", err)
	}
}

func TestValidateFailsClosedWhenStoreUnavailable(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, err := te.Issue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	te.mr.SetError("LOADING store restarting")
	_, err = te.Validate(context.Background(), tokens.AccessToken)
	if !errors.Is(err, ErrTokenRevocationUnavailable) {
		t.Fatalf("expected ErrTokenRevocationUnavailable, got %v", err)
	}
	if te.metrics.Value(MetricRevocationUnavailable) != 1 {
		t.Fatalf("expected revocation unavailable metric")
	}

	te.mr.SetError("")
	if _, err := te.Validate(context.Background(), tokens.AccessToken); err != nil {
		t.Fatalf("expected recovery after store returns, got %v", err)
	}
}

func TestIssueFailsWhenStoreUnavailable(t *testing.T) {
	te := newTestEngine(t, nil)
	te.mr.SetError("LOADING store restarting")
	if _, err := te.Issue(context.Background(), "u1"); !errors.Is(err, ErrSessionCreationFailed) {
		t.Fatalf("expected ErrSessionCreationFailed, got %v", err)
	}
}

func TestRefreshEmitsDeviceAnomalyOnce(t *testing.T) {
	te := newTestEngine(t, nil)

	ctx := WithUserAgent(WithClientIP(context.Background(), "10.0.0.1"), "agent/1")
	tokens, err := te.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	moved := WithUserAgent(WithClientIP(context.Background(), "10.9.9.9"), "agent/1")
	next, err := te.Refresh(moved, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := te.metrics.Value(MetricDeviceAnomaly); got != 1 {
		t.Fatalf("expected 1 device anomaly, got %d", got)
	}

	// Same address as the rotated record: no new signal.
	if _, err := te.Refresh(moved, next.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := te.metrics.Value(MetricDeviceAnomaly); got != 1 {
		t.Fatalf("expected anomaly count to stay 1, got %d", got)
	}

	events := te.drainEvents()
	anomaly, ok := hasEvent(events, AuditDeviceAnomaly)
	if !ok {
		t.Fatal("expected device_anomaly audit event")
	}
	if anomaly.Metadata["kind"] != "ip" || anomaly.IP != "10.9.9.9" {
		t.Fatalf("unexpected anomaly event: %+v", anomaly)
	}
}

func TestSessionsListsLiveRecords(t *testing.T) {
	te := newTestEngine(t, func(c *Config) { c.Session.GCGrace = time.Hour })
	ctx := context.Background()

	first, _ := te.Issue(ctx, "u1")
	te.clock.Advance(time.Second)
	second, _ := te.Issue(ctx, "u1")

	sessions, err := te.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != first.Session.SessionID || sessions[1].SessionID != second.Session.SessionID {
		t.Fatalf("expected oldest first, got %+v", sessions)
	}

	te.clock.Advance(8 * 24 * time.Hour)
	sessions, err = te.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected expired sessions hidden, got %d", len(sessions))
	}
}

func TestAuthenticateReturnsPrincipal(t *testing.T) {
	te := newTestEngine(t, nil)
	tokens, _ := te.Issue(context.Background(), "u1")

	p, err := te.Authenticate(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id, ok := p.Authenticated()
	if !ok || id.Subject != "u1" || id.SessionID != tokens.Session.SessionID {
		t.Fatalf("unexpected principal %v %+v", ok, id)
	}

	p, err = te.Authenticate(context.Background(), "bogus")
	if err == nil || p.IsAuthenticated() {
		t.Fatalf("expected unauthenticated principal and error, got %v %v", p, err)
	}
}

func TestBuildRequiresRedis(t *testing.T) {
	cfg, _, _ := testConfig(t)
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected Build to fail without redis")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	te := newTestEngine(t, nil)
	cfg, _, _ := testConfig(t)
	b := New().WithConfig(cfg).WithRedis(te.rdb)
	e, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestAuditSecuritySignalsAreCritical(t *testing.T) {
	te := newTestEngine(t, nil)
	for _, typ := range []string{AuditRefreshReuse, AuditLoginLocked, AuditSubjectRevoked, AuditPasswordChange} {
		if !te.audit.IsCritical(typ) {
			t.Fatalf("expected %s to be critical", typ)
		}
	}
	if te.audit.IsCritical(AuditRateLimited) {
		t.Fatal("rate_limited must stay droppable")
	}
}
