package flows

import (
	"context"
	"errors"
	"time"

	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/session"
)

// IssueFailureKind classifies issue flow failures for root-level mapping.
type IssueFailureKind int

const (
	IssueFailureNone IssueFailureKind = iota
	IssueFailureSessionID
	IssueFailureSign
	IssueFailurePersist
	IssueFailureLifetime
)

// ErrSessionLifetimeExceeded reports a session chain past its absolute lifetime.
var ErrSessionLifetimeExceeded = errors.New("session absolute lifetime exceeded")

// ClientMeta is request metadata recorded on a session for anomaly signals.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// IssueRequest describes a session to create. A zero CreatedAt means now;
// refresh rotation carries the original login instant forward.
type IssueRequest struct {
	Subject   string
	Meta      ClientMeta
	CreatedAt time.Time
}

// IssueResult carries the new credential pair and session record, or failure metadata.
type IssueResult struct {
	Failure          IssueFailureKind
	Err              error
	Session          *session.Session
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type IssueSessionStore interface {
	Save(ctx context.Context, sess *session.Session, now time.Time) error
}

// IssueDeps captures issue flow dependencies.
type IssueDeps struct {
	Now             func() time.Time
	NewSessionID    func() (string, error)
	HashClientValue func(string) [32]byte
	Sign            func(kind jwt.Kind, subject, sessionID string, issuedAt, notAfter time.Time) (string, time.Time, error)
	SessionStore    IssueSessionStore
	WriteTimeout    time.Duration
	// AbsoluteLifetime caps a session chain, measured from its CreatedAt.
	// Zero disables the cap.
	AbsoluteLifetime time.Duration
}

// SessionDeadline returns the instant a chain created at createdAt must end,
// or the zero time when lifetime is unbounded.
func SessionDeadline(createdAt time.Time, lifetime time.Duration) time.Time {
	if lifetime <= 0 {
		return time.Time{}
	}
	return createdAt.Add(lifetime)
}

// RunIssue creates a session record and signs an access/refresh pair bound to it.
// Both credentials are signed before the record is persisted so a signing
// failure never leaves an orphan record.
func RunIssue(ctx context.Context, req IssueRequest, deps IssueDeps) IssueResult {
	now := deps.Now()

	sid, err := deps.NewSessionID()
	if err != nil {
		return IssueResult{Failure: IssueFailureSessionID, Err: err}
	}

	created := req.CreatedAt
	if created.IsZero() || created.After(now) {
		created = now
	}
	deadline := SessionDeadline(created, deps.AbsoluteLifetime)
	if !deadline.IsZero() && !deadline.After(now) {
		return IssueResult{Failure: IssueFailureLifetime, Err: ErrSessionLifetimeExceeded}
	}

	access, accessExp, err := deps.Sign(jwt.KindAccess, req.Subject, sid, now, deadline)
	if err != nil {
		return IssueResult{Failure: IssueFailureSign, Err: err}
	}
	refresh, refreshExp, err := deps.Sign(jwt.KindRefresh, req.Subject, sid, now, deadline)
	if err != nil {
		return IssueResult{Failure: IssueFailureSign, Err: err}
	}
	sess := &session.Session{
		SessionID:      sid,
		Subject:        req.Subject,
		CreatedAt:      created.UnixMilli(),
		LastActivityAt: now.UnixMilli(),
		ExpiresAt:      refreshExp.UnixMilli(),
		IPHash:         deps.HashClientValue(req.Meta.IP),
		UserAgentHash:  deps.HashClientValue(req.Meta.UserAgent),
	}

	err = RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		return deps.SessionStore.Save(wctx, sess, now)
	})
	if err != nil {
		return IssueResult{Failure: IssueFailurePersist, Err: err, Session: sess}
	}

	return IssueResult{
		Session:          sess,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}
}
