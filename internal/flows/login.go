package flows

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LoginUserRecord is a flow-local view of the persistent user row.
type LoginUserRecord struct {
	Subject           string
	Identifier        string
	PasswordHash      string
	Locked            bool
	PasswordChangedAt time.Time
}

// LoginMetrics carries metric IDs needed by the login flow.
type LoginMetrics struct {
	LoginSuccess int
	LoginFailure int
	LoginLocked  int
}

// LoginEvents carries audit event names used by the login flow.
type LoginEvents struct {
	LoginSuccess string
	LoginFailure string
	LoginLocked  string
}

// LoginErrors carries host-level sentinel errors used by the login flow.
type LoginErrors struct {
	EngineNotReady     error
	InvalidCredentials error
	AccountLocked      error
	UserNotFound       error
	SessionCreation    error
}

type LoginLockout interface {
	Locked(ctx context.Context, identifier string) (bool, time.Duration, error)
	RecordFailure(ctx context.Context, identifier string) (bool, error)
	Reset(ctx context.Context, identifier string) error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	Lockout             LoginLockout
	GetUserByIdentifier func(ctx context.Context, identifier string) (LoginUserRecord, error)
	VerifyPassword      func(password, hash string) (bool, error)
	// BurnPassword runs a verification against a fixed hash so unknown
	// identifiers cost the same as known ones.
	BurnPassword  func(password string)
	RevokedBefore func(ctx context.Context, subject string) (time.Time, error)
	RevokeSubject func(ctx context.Context, subject string, before time.Time) error
	Issue         func(ctx context.Context, req IssueRequest) IssueResult

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, success bool, subject, sessionID string, err error, meta func() map[string]string)
	Warn      func(string, ...any)

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

// LoginResult is the flow-local login response shape.
type LoginResult struct {
	Issued IssueResult
	// RetryAfter is set when the identifier is locked.
	RetryAfter time.Duration
}

// NormalizeIdentifier trims and lowercases a login identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// RunLogin checks the lockout, verifies the password and issues a session.
// While the identifier is locked every attempt is refused without verifying
// the password. Lockout store failures do not block logins.
func RunLogin(ctx context.Context, identifier, password string, meta ClientMeta, deps LoginDeps) (LoginResult, error) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.Lockout == nil ||
		deps.GetUserByIdentifier == nil ||
		deps.VerifyPassword == nil ||
		deps.Issue == nil {
		return LoginResult{}, deps.Errors.EngineNotReady
	}

	id := NormalizeIdentifier(identifier)
	identMeta := func() map[string]string {
		return map[string]string{"identifier": id}
	}

	rctx, cancel := WithTimeout(ctx, deps.ReadTimeout)
	locked, retry, err := deps.Lockout.Locked(rctx, id)
	cancel()
	if err != nil {
		deps.Warn("lockout check failed", "error", err)
	}
	if locked {
		deps.MetricInc(deps.Metrics.LoginLocked)
		deps.EmitAudit(ctx, deps.Events.LoginLocked, false, "", "", deps.Errors.AccountLocked, identMeta)
		return LoginResult{RetryAfter: retry}, deps.Errors.AccountLocked
	}

	fail := func(subject, reason string) (LoginResult, error) {
		var lockedNow bool
		err := RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
			var rerr error
			lockedNow, rerr = deps.Lockout.RecordFailure(wctx, id)
			return rerr
		})
		if err != nil {
			deps.Warn("lockout record failed", "error", err)
		}
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, subject, "", deps.Errors.InvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": id,
				"reason":     reason,
			}
		})
		if err == nil && lockedNow {
			deps.MetricInc(deps.Metrics.LoginLocked)
			deps.EmitAudit(ctx, deps.Events.LoginLocked, false, subject, "", deps.Errors.AccountLocked, identMeta)
		}
		return LoginResult{}, deps.Errors.InvalidCredentials
	}

	if password == "" {
		return fail("", "empty_password")
	}

	rctx, cancel = WithTimeout(ctx, deps.ReadTimeout)
	user, err := deps.GetUserByIdentifier(rctx, id)
	cancel()
	if err != nil {
		if deps.Errors.UserNotFound != nil && !errors.Is(err, deps.Errors.UserNotFound) {
			return LoginResult{}, err
		}
		if deps.BurnPassword != nil {
			deps.BurnPassword(password)
		}
		return fail("", "user_not_found")
	}

	// An administratively locked account answers the same for any password.
	if user.Locked {
		if deps.BurnPassword != nil {
			deps.BurnPassword(password)
		}
		deps.MetricInc(deps.Metrics.LoginLocked)
		deps.EmitAudit(ctx, deps.Events.LoginLocked, false, user.Subject, "", deps.Errors.AccountLocked, func() map[string]string {
			return map[string]string{
				"identifier": id,
				"reason":     "account_flag",
			}
		})
		return LoginResult{}, deps.Errors.AccountLocked
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	password = ""
	if err != nil || !ok {
		return fail(user.Subject, "password_mismatch")
	}

	if err := RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		return deps.Lockout.Reset(wctx, id)
	}); err != nil {
		deps.Warn("lockout reset failed", "error", err)
	}

	if !user.PasswordChangedAt.IsZero() && deps.RevokedBefore != nil && deps.RevokeSubject != nil {
		reassertSubjectRevocation(ctx, user, deps)
	}

	issued := deps.Issue(ctx, IssueRequest{Subject: user.Subject, Meta: meta})
	if issued.Failure != IssueFailureNone {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.Subject, "", issued.Err, func() map[string]string {
			return map[string]string{
				"identifier": id,
				"reason":     "session_creation",
			}
		})
		if deps.Errors.SessionCreation != nil {
			return LoginResult{Issued: issued}, deps.Errors.SessionCreation
		}
		return LoginResult{Issued: issued}, issued.Err
	}

	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, user.Subject, issued.Session.SessionID, nil, identMeta)
	return LoginResult{Issued: issued}, nil
}

// reassertSubjectRevocation covers a password change recorded in the user
// store that never reached the revocation store.
func reassertSubjectRevocation(ctx context.Context, user LoginUserRecord, deps LoginDeps) {
	rctx, cancel := WithTimeout(ctx, deps.ReadTimeout)
	before, err := deps.RevokedBefore(rctx, user.Subject)
	cancel()
	if err != nil {
		deps.Warn("revoke-before lookup failed", "error", err)
		return
	}
	if !user.PasswordChangedAt.After(before) {
		return
	}
	if err := RunDetached(ctx, deps.WriteTimeout, func(wctx context.Context) error {
		return deps.RevokeSubject(wctx, user.Subject, user.PasswordChangedAt)
	}); err != nil {
		deps.Warn("subject revocation re-assert failed", "error", err)
	}
}
