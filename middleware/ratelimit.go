package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/ratelimit"
)

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

// rateLimit consumes one unit of the route's budget. A store failure lets the
// request through.
func (g *Governor) rateLimit(w http.ResponseWriter, r *http.Request, route Route, identity string) bool {
	if route.Class == "" {
		return true
	}

	ctx, span := g.tracer.Start(r.Context(), "govern.ratelimit")
	defer span.End()
	span.SetAttributes(attribute.String("govern.ratelimit.class", string(route.Class)))

	metrics := g.engine.Metrics()
	start := time.Now()
	decision, err := g.engine.RateLimiter().CheckAndConsume(ctx, identity, route.Class)
	metrics.Observe(govern.MetricRateLimitLatency, time.Since(start))

	if err != nil {
		metrics.Inc(govern.MetricRateLimitFailOpen)
		span.SetStatus(codes.Error, "rate limit store unavailable")
		g.logger.Warn("rate limit check failed, allowing request",
			zap.String("class", string(route.Class)),
			zap.Error(err),
		)
		g.engine.EmitAudit(ctx, govern.AuditRateLimitFailOpen, subjectOf(govern.PrincipalFromContext(ctx)), map[string]string{
			"class": string(route.Class),
		})
	}

	setRateLimitHeaders(w, decision, g.engine.Now())

	if decision.Allowed {
		metrics.Inc(govern.MetricRateLimitAllowed)
		return true
	}

	metrics.Inc(govern.MetricRateLimitDenied)
	span.SetAttributes(
		attribute.Bool("govern.ratelimit.penalized", decision.Penalized),
		attribute.Int64("govern.ratelimit.retry_after_ms", decision.RetryAfter.Milliseconds()),
	)
	g.logger.Debug("rate limited",
		zap.String("class", string(route.Class)),
		zap.Duration("retry_after", decision.RetryAfter),
		zap.Bool("penalized", decision.Penalized),
	)
	g.engine.EmitAudit(ctx, govern.AuditRateLimited, subjectOf(govern.PrincipalFromContext(ctx)), map[string]string{
		"class":       string(route.Class),
		"retry_after": strconv.FormatInt(decision.RetryAfter.Milliseconds(), 10),
	})
	WriteRetryable(w, http.StatusTooManyRequests, "rate limit exceeded", decision.RetryAfter)
	return false
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set(headerLimit, strconv.Itoa(d.Limit))
	h.Set(headerRemaining, strconv.Itoa(d.Remaining))
	reset := d.ResetAt.Sub(now)
	// A penalty can outlast the window; the reset then tracks Retry-After.
	if !d.Allowed && d.RetryAfter > reset {
		reset = d.RetryAfter
	}
	h.Set(headerReset, strconv.FormatInt(ceilSeconds(reset), 10))
}

// recordAuthOutcome feeds the progressive penalty: refused credentials count
// as failures, a success clears them.
func (g *Governor) recordAuthOutcome(r *http.Request, class ratelimit.Class, identity string, status int) {
	ctx := context.WithoutCancel(r.Context())
	limiter := g.engine.RateLimiter()

	switch {
	case status == http.StatusUnauthorized || status == http.StatusLocked:
		penalty, err := limiter.RecordFailure(ctx, identity, class)
		if err != nil {
			g.logger.Warn("rate limit failure record failed", zap.String("class", string(class)), zap.Error(err))
			return
		}
		if penalty > 0 {
			g.engine.Metrics().Inc(govern.MetricRateLimitPenalty)
			g.logger.Debug("auth penalty in force", zap.String("class", string(class)), zap.Duration("penalty", penalty))
		}
	case status >= 200 && status < 300:
		if err := limiter.RecordSuccess(ctx, identity, class); err != nil {
			g.logger.Warn("rate limit success record failed", zap.String("class", string(class)), zap.Error(err))
		}
	}
}
