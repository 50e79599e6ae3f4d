package govern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clank08/govern/internal/flows"
)

func (e *Engine) loginDeps() flows.LoginDeps {
	timeout := e.config.Store.OperationTimeout
	deps := flows.LoginDeps{
		Lockout:        e.lockout,
		VerifyPassword: e.hasher.Verify,
		BurnPassword:   e.hasher.Burn,
		RevokedBefore:  e.revocations.RevokedBefore,
		RevokeSubject: func(ctx context.Context, subject string, before time.Time) error {
			_, err := e.revocations.RevokeSubject(ctx, subject, before, e.config.maxRefreshLifetime())
			return err
		},
		Issue:        e.runIssue,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MetricInc:    func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit:    e.emitAudit,
		Warn:         e.logger.Sugar().Warnw,
		Metrics: flows.LoginMetrics{
			LoginSuccess: int(MetricLoginSuccess),
			LoginFailure: int(MetricLoginFailure),
			LoginLocked:  int(MetricLoginLocked),
		},
		Events: flows.LoginEvents{
			LoginSuccess: AuditLoginSuccess,
			LoginFailure: AuditLoginFailure,
			LoginLocked:  AuditLoginLocked,
		},
		Errors: flows.LoginErrors{
			EngineNotReady:     ErrEngineNotReady,
			InvalidCredentials: ErrInvalidCredentials,
			AccountLocked:      ErrAccountLocked,
			UserNotFound:       ErrUserNotFound,
			SessionCreation:    ErrSessionCreationFailed,
		},
	}
	if e.userProvider != nil {
		deps.GetUserByIdentifier = func(ctx context.Context, identifier string) (flows.LoginUserRecord, error) {
			u, err := e.userProvider.GetUserByIdentifier(ctx, identifier)
			if err != nil {
				return flows.LoginUserRecord{}, err
			}
			return flows.LoginUserRecord{
				Subject:           u.Subject,
				Identifier:        u.Identifier,
				PasswordHash:      u.PasswordHash,
				Locked:            u.Locked,
				PasswordChangedAt: u.PasswordChangedAt,
			}, nil
		}
	}
	return deps
}

// Login verifies identifier and password against the user store and issues
// a session. After Lockout.Threshold failures within Lockout.Window the
// identifier is locked for Lockout.Duration: every attempt, including one
// with the correct password, returns a *LockoutError. A successful login
// clears the failure count.
func (e *Engine) Login(ctx context.Context, identifier, password string) (*Tokens, error) {
	if e.userProvider == nil {
		return nil, ErrEngineNotReady
	}

	deps := e.flowDeps.Login
	var rehashed string
	if upgrader, ok := e.userProvider.(PasswordUpgrader); ok {
		verify := deps.VerifyPassword
		deps.VerifyPassword = func(plain, hash string) (bool, error) {
			ok, err := verify(plain, hash)
			if err == nil && ok {
				if stale, _ := e.hasher.NeedsRehash(hash); stale {
					rehashed, _ = e.hasher.Hash(plain)
				}
			}
			return ok, err
		}
		defer func() {
			if rehashed != "" {
				e.upgradePassword(ctx, upgrader, identifier, rehashed)
			}
		}()
	}

	res, err := flows.RunLogin(ctx, identifier, password, clientMeta(ctx), deps)
	if err != nil {
		rehashed = ""
		if errors.Is(err, ErrAccountLocked) {
			e.logger.Debug("login refused, account locked", zap.Duration("retry_after", res.RetryAfter))
			return nil, &LockoutError{RetryAfter: res.RetryAfter}
		}
		if errors.Is(err, ErrSessionCreationFailed) {
			return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, res.Issued.Err)
		}
		return nil, err
	}
	return tokensFrom(res.Issued), nil
}

func (e *Engine) upgradePassword(ctx context.Context, upgrader PasswordUpgrader, identifier, hash string) {
	err := flows.RunDetached(ctx, e.config.Store.OperationTimeout, func(wctx context.Context) error {
		u, err := e.userProvider.GetUserByIdentifier(wctx, flows.NormalizeIdentifier(identifier))
		if err != nil {
			return err
		}
		return upgrader.UpgradePasswordHash(wctx, u.Subject, hash)
	})
	if err != nil {
		e.logger.Warn("password rehash failed", zap.Error(err))
	}
}

// ChangePassword verifies oldPassword, stores the new hash and revokes every
// session of subject issued before the change.
func (e *Engine) ChangePassword(ctx context.Context, subject, oldPassword, newPassword string) error {
	if e.userProvider == nil {
		return ErrEngineNotReady
	}

	rctx, cancel := flows.WithTimeout(ctx, e.config.Store.OperationTimeout)
	user, err := e.userProvider.GetUserBySubject(rctx, subject)
	cancel()
	if err != nil {
		return err
	}

	ok, err := e.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, AuditPasswordChange, false, subject, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if oldPassword == newPassword {
		e.emitAudit(ctx, AuditPasswordChange, false, subject, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.emitAudit(ctx, AuditPasswordChange, false, subject, "", ErrPasswordPolicy, nil)
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	}

	changedAt := e.now()
	err = flows.RunDetached(ctx, e.config.Store.OperationTimeout, func(wctx context.Context) error {
		return e.userProvider.UpdatePasswordHash(wctx, subject, hash, changedAt)
	})
	if err != nil {
		return err
	}

	// A failure here is repaired at the next login, which re-asserts the
	// revocation from password-changed-at.
	if _, err := e.revokeSubjectBefore(ctx, subject, changedAt); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, AuditPasswordChange, true, subject, "", nil, nil)
	return nil
}
