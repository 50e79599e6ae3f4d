package flows

import (
	"context"
	"errors"
	"time"

	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/session"
)

type LogoutRevocationStore interface {
	RevokeSession(ctx context.Context, subject, sessionID string, ttl time.Duration) (bool, error)
}

type LogoutSessionStore interface {
	Get(ctx context.Context, subject, sessionID string) (*session.Session, error)
	MarkRevoked(ctx context.Context, subject, sessionID string) (bool, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Now          func() time.Time
	Parse        func(token string, want jwt.Kind) (*jwt.Claims, error)
	Revocation   LogoutRevocationStore
	SessionStore LogoutSessionStore
	// MaxSessionLifetime bounds the revocation entry when the session record
	// is already gone.
	MaxSessionLifetime time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

type LogoutResult struct {
	Subject   string
	SessionID string
	// CredentialErr is set when the access credential itself was rejected.
	CredentialErr error
	Err           error
}

// RunLogoutSession revokes one session. The revocation entry lives as long as
// the longest credential that names the session.
func RunLogoutSession(ctx context.Context, subject, sessionID string, deps LogoutDeps) error {
	now := deps.Now()
	ttl := deps.MaxSessionLifetime

	rctx, cancel := WithTimeout(ctx, deps.ReadTimeout)
	sess, err := deps.SessionStore.Get(rctx, subject, sessionID)
	cancel()
	if err == nil {
		ttl = sess.Expires().Sub(now)
	}
	if ttl <= 0 {
		return nil
	}

	return RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		if _, err := deps.Revocation.RevokeSession(wctx, subject, sessionID, ttl); err != nil {
			return err
		}
		if _, err := deps.SessionStore.MarkRevoked(wctx, subject, sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
		return nil
	})
}

// RunLogoutByAccessToken decodes an access credential and revokes its session.
func RunLogoutByAccessToken(ctx context.Context, token string, deps LogoutDeps) LogoutResult {
	claims, err := deps.Parse(token, jwt.KindAccess)
	if err != nil {
		return LogoutResult{CredentialErr: err}
	}
	return LogoutResult{
		Subject:   claims.Subject,
		SessionID: claims.SID,
		Err:       RunLogoutSession(ctx, claims.Subject, claims.SID, deps),
	}
}
