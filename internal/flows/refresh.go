package flows

import (
	"context"
	"errors"
	"time"

	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureCredential
	RefreshFailureRevoked
	RefreshFailureReuse
	RefreshFailureRevocationUnavailable
	RefreshFailureIssue
	RefreshFailureLifetime
)

// RefreshResult carries either the rotated pair or failure metadata.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	Subject      string
	OldSessionID string
	Issued       IssueResult
	// ReplayCount is the number of reuses seen for OldSessionID when
	// Failure is RefreshFailureReuse and replay tracking is on.
	ReplayCount int64
}

type RefreshRevocationStore interface {
	IsRevoked(ctx context.Context, subject, sessionID string, issuedAt time.Time) (bool, error)
	RevokeSession(ctx context.Context, subject, sessionID string, ttl time.Duration) (bool, error)
}

type RefreshSessionStore interface {
	Get(ctx context.Context, subject, sessionID string) (*session.Session, error)
	Touch(ctx context.Context, subject, sessionID string, at time.Time) error
	MarkRevoked(ctx context.Context, subject, sessionID string) (bool, error)
	TrackReplayAnomaly(ctx context.Context, subject, sessionID string, window time.Duration) (int64, error)
	ShouldEmitDeviceAnomaly(ctx context.Context, subject, sessionID, kind string, window time.Duration) (bool, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Now                  func() time.Time
	Parse                func(token string, want jwt.Kind) (*jwt.Claims, error)
	Issue                func(ctx context.Context, req IssueRequest) IssueResult
	HashClientValue      func(string) [32]byte
	Revocation           RefreshRevocationStore
	SessionStore         RefreshSessionStore
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	EnableReplayTracking bool
	ReplayWindow         time.Duration
	AnomalyWindow        time.Duration
	AbsoluteLifetime     time.Duration
	EmitDeviceAnomaly    func(ctx context.Context, subject, sessionID, kind string)
	Warn                 func(string, ...any)
}

// RunRefresh rotates a refresh credential. The old session id is revoked
// before the replacement pair is issued; the revocation is created with
// SET NX so exactly one presenter of a given refresh credential can win.
// Every later presentation observes REVOKED.
func RunRefresh(ctx context.Context, refreshToken string, meta ClientMeta, deps RefreshDeps) RefreshResult {
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}

	claims, err := deps.Parse(refreshToken, jwt.KindRefresh)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureCredential, Err: err}
	}
	subject, sid := claims.Subject, claims.SID

	rctx, cancel := WithTimeout(ctx, deps.ReadTimeout)
	revoked, err := deps.Revocation.IsRevoked(rctx, subject, sid, claims.IssuedAtTime())
	cancel()
	if err != nil {
		return RefreshResult{Failure: RefreshFailureRevocationUnavailable, Err: err, Subject: subject, OldSessionID: sid}
	}
	if revoked {
		return reuseResult(ctx, subject, sid, deps)
	}

	now := deps.Now()
	ttl := claims.ExpiresAtTime().Sub(now)
	var won bool
	err = RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		var rerr error
		won, rerr = deps.Revocation.RevokeSession(wctx, subject, sid, ttl)
		return rerr
	})
	if err != nil {
		return RefreshResult{Failure: RefreshFailureRevocationUnavailable, Err: err, Subject: subject, OldSessionID: sid}
	}
	if !won {
		return reuseResult(ctx, subject, sid, deps)
	}

	// Without a record the chain is assumed to have started as early as the
	// presented credential allows, so losing lineage never extends it.
	createdAt := now
	if deps.AbsoluteLifetime > 0 {
		if earliest := claims.ExpiresAtTime().Add(-deps.AbsoluteLifetime); earliest.Before(createdAt) {
			createdAt = earliest
		}
	}
	rctx, cancel = WithTimeout(ctx, deps.ReadTimeout)
	old, err := deps.SessionStore.Get(rctx, subject, sid)
	cancel()
	switch {
	case err == nil:
		createdAt = old.Created()
		checkDeviceAnomaly(ctx, old, meta, deps)
		retireSession(ctx, subject, sid, now, deps)
	case errors.Is(err, session.ErrSessionNotFound):
		// Revocation entry is authoritative; a missing record only loses lineage.
	default:
		deps.Warn("session record lookup failed during refresh", "error", err)
	}

	if deadline := SessionDeadline(createdAt, deps.AbsoluteLifetime); !deadline.IsZero() && !deadline.After(now) {
		return RefreshResult{Failure: RefreshFailureLifetime, Err: ErrSessionLifetimeExceeded, Subject: subject, OldSessionID: sid}
	}

	issued := deps.Issue(ctx, IssueRequest{Subject: subject, Meta: meta, CreatedAt: createdAt})
	if issued.Failure != IssueFailureNone {
		return RefreshResult{Failure: RefreshFailureIssue, Err: issued.Err, Subject: subject, OldSessionID: sid, Issued: issued}
	}

	return RefreshResult{
		Subject:      subject,
		OldSessionID: sid,
		Issued:       issued,
	}
}

func reuseResult(ctx context.Context, subject, sid string, deps RefreshDeps) RefreshResult {
	res := RefreshResult{Failure: RefreshFailureReuse, Subject: subject, OldSessionID: sid}
	if !deps.EnableReplayTracking {
		return res
	}
	var count int64
	err := RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		var terr error
		count, terr = deps.SessionStore.TrackReplayAnomaly(wctx, subject, sid, deps.ReplayWindow)
		return terr
	})
	if err != nil {
		deps.Warn("replay anomaly tracking failed", "error", err)
		return res
	}
	res.ReplayCount = count
	return res
}

func retireSession(ctx context.Context, subject, sid string, now time.Time, deps RefreshDeps) {
	err := RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		if err := deps.SessionStore.Touch(wctx, subject, sid, now); err != nil {
			return err
		}
		_, err := deps.SessionStore.MarkRevoked(wctx, subject, sid)
		return err
	})
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		deps.Warn("session record retire failed", "error", err)
	}
}

func checkDeviceAnomaly(ctx context.Context, old *session.Session, meta ClientMeta, deps RefreshDeps) {
	if deps.EmitDeviceAnomaly == nil || deps.HashClientValue == nil {
		return
	}

	var kinds []string
	if changed(old.IPHash, deps.HashClientValue(meta.IP)) {
		kinds = append(kinds, "ip")
	}
	if changed(old.UserAgentHash, deps.HashClientValue(meta.UserAgent)) {
		kinds = append(kinds, "user_agent")
	}

	for _, kind := range kinds {
		rctx, cancel := WithTimeout(ctx, deps.WriteTimeout)
		emit, err := deps.SessionStore.ShouldEmitDeviceAnomaly(rctx, old.Subject, old.SessionID, kind, deps.AnomalyWindow)
		cancel()
		if err != nil {
			deps.Warn("device anomaly throttle failed", "error", err)
			continue
		}
		if emit {
			deps.EmitDeviceAnomaly(ctx, old.Subject, old.SessionID, kind)
		}
	}
}

// changed treats a zero hash as "not captured".
func changed(stored, presented [32]byte) bool {
	var zero [32]byte
	if stored == zero || presented == zero {
		return false
	}
	return stored != presented
}
