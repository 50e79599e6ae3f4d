package govern

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clank08/govern/cache"
	"github.com/clank08/govern/internal"
	"github.com/clank08/govern/internal/audit"
	"github.com/clank08/govern/internal/flows"
	"github.com/clank08/govern/internal/limiters"
	"github.com/clank08/govern/jwt"
	"github.com/clank08/govern/password"
	"github.com/clank08/govern/ratelimit"
	"github.com/clank08/govern/revocation"
	"github.com/clank08/govern/session"
)

// Engine is the request-governance core: it issues, validates, refreshes
// and revokes session credentials, and owns the rate limiter and cache
// handles the middleware consults. Build one per process with New().Build().
type Engine struct {
	config       Config
	redis        redis.UniversalClient
	jwt          *jwt.Manager
	sessions     *session.Store
	revocations  *revocation.Store
	lockout      *limiters.LockoutLimiter
	limiter      *ratelimit.Limiter
	cache        *cache.Cache
	invalidator  *cache.Invalidator
	hasher       *password.Hasher
	userProvider UserProvider
	audit        *audit.Dispatcher
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time

	flowDeps flows.Deps
}

func (e *Engine) initFlowDeps() {
	timeout := e.config.Store.OperationTimeout
	warn := e.logger.Sugar().Warnw

	e.flowDeps.Issue = flows.IssueDeps{
		Now: e.now,
		NewSessionID: func() (string, error) {
			sid, err := internal.NewSessionID()
			if err != nil {
				return "", err
			}
			return sid.String(), nil
		},
		HashClientValue:  internal.HashClientValue,
		Sign:             e.jwt.IssueUntil,
		SessionStore:     e.sessions,
		WriteTimeout:     timeout,
		AbsoluteLifetime: e.config.Session.AbsoluteLifetime,
	}

	e.flowDeps.Validate = flows.ValidateDeps{
		Parse:       e.jwt.Parse,
		Revocation:  e.revocations,
		ReadTimeout: timeout,
	}

	e.flowDeps.Refresh = flows.RefreshDeps{
		Now:                  e.now,
		Parse:                e.jwt.Parse,
		Issue:                e.runIssue,
		HashClientValue:      internal.HashClientValue,
		Revocation:           e.revocations,
		SessionStore:         e.sessions,
		ReadTimeout:          timeout,
		WriteTimeout:         timeout,
		EnableReplayTracking: e.config.Session.EnableReplayTracking,
		ReplayWindow:         e.config.Session.ReplayWindow,
		AnomalyWindow:        e.config.Session.AnomalyWindow,
		AbsoluteLifetime:     e.config.Session.AbsoluteLifetime,
		EmitDeviceAnomaly:    e.emitDeviceAnomaly,
		Warn:                 warn,
	}

	e.flowDeps.Logout = flows.LogoutDeps{
		Now:                e.now,
		Parse:              e.jwt.Parse,
		Revocation:         e.revocations,
		SessionStore:       e.sessions,
		MaxSessionLifetime: e.config.maxRefreshLifetime(),
		ReadTimeout:        timeout,
		WriteTimeout:       timeout,
	}

	e.flowDeps.Login = e.loginDeps()
}

// Close drains the audit dispatcher and the invalidation queue.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.invalidator.Close()
	e.audit.Close()
}

// RateLimiter returns the engine's rate limiter handle.
func (e *Engine) RateLimiter() *ratelimit.Limiter { return e.limiter }

// Cache returns the engine's tag-indexed cache handle.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Invalidator returns the post-write invalidation handle.
func (e *Engine) Invalidator() *cache.Invalidator { return e.invalidator }

// Metrics returns the engine's counters. The middleware records its own
// stage outcomes here.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Logger() *zap.Logger { return e.logger }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// InvalidationStats returns the deferred invalidation counters.
func (e *Engine) InvalidationStats() cache.InvalidatorStats {
	if e == nil {
		return cache.InvalidatorStats{}
	}
	return e.invalidator.Stats()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return NewMetrics(MetricsConfig{}).Snapshot()
	}
	return e.metrics.Snapshot()
}

// Ping checks the shared store round trip.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := flows.WithTimeout(ctx, e.config.Store.OperationTimeout)
	defer cancel()
	return e.sessions.Ping(ctx)
}

func (e *Engine) metricInc(id MetricID) { e.metrics.Inc(id) }

func clientMeta(ctx context.Context) flows.ClientMeta {
	return flows.ClientMeta{
		IP:        ClientIPFromContext(ctx),
		UserAgent: UserAgentFromContext(ctx),
	}
}

func (e *Engine) runIssue(ctx context.Context, req flows.IssueRequest) flows.IssueResult {
	res := flows.RunIssue(ctx, req, e.flowDeps.Issue)
	if res.Failure != flows.IssueFailureNone {
		e.metricInc(MetricSessionIssueFailure)
		e.logger.Warn("session issue failed", zap.String("subject", req.Subject), zap.Error(res.Err))
		return res
	}
	e.metricInc(MetricSessionIssued)
	return res
}

func tokensFrom(res flows.IssueResult) *Tokens {
	return &Tokens{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
		Session:          sessionInfo(res.Session),
	}
}

func sessionInfo(s *session.Session) SessionInfo {
	if s == nil {
		return SessionInfo{}
	}
	return SessionInfo{
		SessionID:      s.SessionID,
		Subject:        s.Subject,
		CreatedAt:      s.Created(),
		LastActivityAt: s.LastActivity(),
		ExpiresAt:      s.Expires(),
		Revoked:        s.Revoked,
	}
}

// Issue creates a session for subject and returns its credential pair.
// Client address and user agent are taken from ctx (see WithClientIP).
func (e *Engine) Issue(ctx context.Context, subject string) (*Tokens, error) {
	if subject == "" {
		return nil, errors.New("subject required")
	}
	res := e.runIssue(ctx, flows.IssueRequest{Subject: subject, Meta: clientMeta(ctx)})
	if res.Failure != flows.IssueFailureNone {
		return nil, fmt.Errorf("%w: %v", ErrSessionCreationFailed, res.Err)
	}
	e.emitAudit(ctx, AuditSessionIssued, true, subject, res.Session.SessionID, nil, nil)
	return tokensFrom(res), nil
}

// Validate decodes an access credential and checks revocation. Failures are
// *CredentialError values; a revocation store that cannot answer yields
// REVOCATION_UNAVAILABLE rather than an accepted credential.
func (e *Engine) Validate(ctx context.Context, token string) (*Claims, error) {
	start := time.Now()
	defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()

	res := flows.RunValidate(ctx, token, jwt.KindAccess, e.flowDeps.Validate)
	switch res.Failure {
	case flows.ValidateFailureNone:
		e.metricInc(MetricValidateSuccess)
		return claimsFrom(res.Claims), nil
	case flows.ValidateFailureRevoked:
		e.metricInc(MetricValidateRevoked)
		return nil, credentialError(ReasonRevoked, nil)
	case flows.ValidateFailureRevocationUnavailable:
		e.metricInc(MetricRevocationUnavailable)
		e.logger.Warn("revocation check failed, rejecting credential", zap.Error(res.Err))
		return nil, credentialError(ReasonRevocationUnavailable, res.Err)
	default:
		e.metricInc(MetricValidateFailure)
		return nil, classifyDecode(res.Err)
	}
}

// Authenticate validates token and returns the resolved principal.
func (e *Engine) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := e.Validate(ctx, token)
	if err != nil {
		return Unauthenticated(), err
	}
	return AuthenticatedAs(Identity{Subject: claims.Subject, SessionID: claims.SessionID}), nil
}

func claimsFrom(c *jwt.Claims) *Claims {
	out := &Claims{
		Subject:   c.Subject,
		SessionID: c.SID,
		Issuer:    c.Issuer,
		IssuedAt:  c.IssuedAtTime(),
		ExpiresAt: c.ExpiresAtTime(),
	}
	if len(c.Audience) > 0 {
		out.Audience = c.Audience[0]
	}
	return out
}

// Refresh rotates a refresh credential. The presented session id is revoked
// before the new pair is issued, and only one presenter can win the
// revocation; every other presentation of the same credential gets REVOKED.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	res := flows.RunRefresh(ctx, refreshToken, clientMeta(ctx), e.flowDeps.Refresh)

	switch res.Failure {
	case flows.RefreshFailureNone:
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, AuditRefreshSuccess, true, res.Subject, res.Issued.Session.SessionID, nil, func() map[string]string {
			return map[string]string{"rotated_from": res.OldSessionID}
		})
		return tokensFrom(res.Issued), nil

	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshReuseDetected)
		err := credentialError(ReasonRevoked, nil)
		e.emitAudit(ctx, AuditRefreshReuse, false, res.Subject, res.OldSessionID, err, func() map[string]string {
			return map[string]string{"replay_count": strconv.FormatInt(res.ReplayCount, 10)}
		})
		return nil, err

	case flows.RefreshFailureRevocationUnavailable:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRevocationUnavailable)
		e.logger.Warn("refresh rejected, revocation store unavailable", zap.Error(res.Err))
		err := credentialError(ReasonRevocationUnavailable, res.Err)
		e.emitAudit(ctx, AuditRefreshFailure, false, res.Subject, res.OldSessionID, err, nil)
		return nil, err

	case flows.RefreshFailureLifetime:
		e.metricInc(MetricRefreshFailure)
		err := credentialError(ReasonExpired, res.Err)
		e.emitAudit(ctx, AuditRefreshFailure, false, res.Subject, res.OldSessionID, err, nil)
		return nil, err

	case flows.RefreshFailureIssue:
		e.metricInc(MetricRefreshFailure)
		err := fmt.Errorf("%w: %v", ErrSessionCreationFailed, res.Err)
		e.emitAudit(ctx, AuditRefreshFailure, false, res.Subject, res.OldSessionID, err, nil)
		return nil, err

	default:
		e.metricInc(MetricRefreshFailure)
		err := classifyDecode(res.Err)
		e.emitAudit(ctx, AuditRefreshFailure, false, "", "", err, nil)
		return nil, err
	}
}

func (e *Engine) emitDeviceAnomaly(ctx context.Context, subject, sessionID, kind string) {
	e.metricInc(MetricDeviceAnomaly)
	e.logger.Debug("device anomaly on refresh", zap.String("subject", subject), zap.String("kind", kind))
	e.emitAudit(ctx, AuditDeviceAnomaly, false, subject, sessionID, nil, func() map[string]string {
		return map[string]string{"kind": kind}
	})
}

// Logout revokes the session named by an access credential. Logging out a
// session that is already revoked succeeds.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	res := flows.RunLogoutByAccessToken(ctx, accessToken, e.flowDeps.Logout)
	if res.CredentialErr != nil {
		return classifyDecode(res.CredentialErr)
	}
	if res.Err != nil {
		e.logger.Warn("logout revocation failed", zap.String("subject", res.Subject), zap.Error(res.Err))
		return fmt.Errorf("%w: %v", ErrRevocationFailed, res.Err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, AuditLogout, true, res.Subject, res.SessionID, nil, nil)
	return nil
}

// RevokeSession revokes one session of subject.
func (e *Engine) RevokeSession(ctx context.Context, subject, sessionID string) error {
	if subject == "" || sessionID == "" {
		return errors.New("subject and session id required")
	}
	if err := flows.RunLogoutSession(ctx, subject, sessionID, e.flowDeps.Logout); err != nil {
		e.logger.Warn("session revocation failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRevocationFailed, err)
	}
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, AuditSessionRevoked, true, subject, sessionID, nil, nil)
	return nil
}

// RevokeSubject invalidates every session of subject issued strictly before
// now. Sessions issued afterwards are unaffected. It returns the effective
// cutoff, which never moves backwards.
func (e *Engine) RevokeSubject(ctx context.Context, subject string) (time.Time, error) {
	return e.revokeSubjectBefore(ctx, subject, e.now())
}

func (e *Engine) revokeSubjectBefore(ctx context.Context, subject string, before time.Time) (time.Time, error) {
	if subject == "" {
		return time.Time{}, errors.New("subject required")
	}
	var cutoff time.Time
	err := flows.RunDetached(ctx, e.config.Store.OperationTimeout, func(wctx context.Context) error {
		var rerr error
		cutoff, rerr = e.revocations.RevokeSubject(wctx, subject, before, e.config.maxRefreshLifetime())
		return rerr
	})
	if err != nil {
		e.logger.Warn("subject revocation failed", zap.String("subject", subject), zap.Error(err))
		return time.Time{}, fmt.Errorf("%w: %v", ErrRevocationFailed, err)
	}
	e.metricInc(MetricSubjectRevoked)
	e.emitAudit(ctx, AuditSubjectRevoked, true, subject, "", nil, func() map[string]string {
		return map[string]string{"before": strconv.FormatInt(cutoff.UnixMilli(), 10)}
	})
	return cutoff, nil
}

// Sessions lists subject's live session records, oldest first.
func (e *Engine) Sessions(ctx context.Context, subject string) ([]SessionInfo, error) {
	rctx, cancel := flows.WithTimeout(ctx, e.config.Store.OperationTimeout)
	defer cancel()

	records, err := e.sessions.List(rctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStoreUnavailable, err)
	}

	now := e.now()
	out := make([]SessionInfo, 0, len(records))
	for _, r := range records {
		if r.Expired(now) {
			continue
		}
		out = append(out, sessionInfo(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
