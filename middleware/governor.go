package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/ratelimit"
)

const instrumentationName = "github.com/clank08/govern/middleware"

const defaultMaxCachedBody = 1 << 20

// CachePolicy opts a read route into response caching. Key and Tags are
// templates; see Expand for the placeholders.
type CachePolicy struct {
	Key  string
	Tags []string
	// TTL of zero uses the cache default.
	TTL time.Duration
}

// InvalidatePolicy names what a successful write makes stale. Tags and
// Patterns are templates.
type InvalidatePolicy struct {
	Tags     []string
	Patterns []string
}

// Route declares how one handler is governed.
type Route struct {
	// Class selects the rate-limit bucket. Empty skips rate limiting.
	Class ratelimit.Class
	// RequireAuth refuses requests without a valid credential.
	RequireAuth bool
	// Cache applies to GET requests only.
	Cache *CachePolicy
	// Invalidate runs after a 2xx response to a request other than GET or HEAD.
	Invalidate *InvalidatePolicy
}

// Governor builds governed handlers for one Engine.
type Governor struct {
	engine        *govern.Engine
	logger        *zap.Logger
	tracer        trace.Tracer
	forwardHeader string
	maxCachedBody int
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the logger. Defaults to the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTracerProvider sets the provider for stage spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Governor) {
		if tp != nil {
			g.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithForwardedHeader trusts header (for example X-Forwarded-For) as the
// client address. Only set it behind a proxy that overwrites the header.
func WithForwardedHeader(header string) Option {
	return func(g *Governor) { g.forwardHeader = header }
}

// WithMaxCachedBody caps the response size captured for caching.
func WithMaxCachedBody(n int) Option {
	return func(g *Governor) {
		if n > 0 {
			g.maxCachedBody = n
		}
	}
}

// New returns a Governor for engine.
func New(engine *govern.Engine, opts ...Option) *Governor {
	g := &Governor{
		engine:        engine,
		logger:        engine.Logger(),
		tracer:        otel.GetTracerProvider().Tracer(instrumentationName),
		maxCachedBody: defaultMaxCachedBody,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("middleware")
	return g
}

// Handler returns middleware governing next according to route.
func (g *Governor) Handler(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := g.clientIP(r)
			ctx = govern.WithClientIP(ctx, ip)
			ctx = govern.WithUserAgent(ctx, r.UserAgent())
			r = r.WithContext(ctx)

			principal, ok := g.authenticate(w, r, route)
			if !ok {
				return
			}
			r = r.WithContext(govern.WithPrincipal(r.Context(), principal))

			identity := ratelimit.Identity(ip, subjectOf(principal))
			if !g.rateLimit(w, r, route, identity) {
				return
			}

			rec := newRecorder(w)
			switch {
			case route.Cache != nil && r.Method == http.MethodGet:
				g.serveCached(rec, r, route.Cache, principal, next)
			default:
				next.ServeHTTP(rec, r)
			}

			g.afterHandler(r, route, principal, identity, rec.Status())
		})
	}
}

// Wrap is Handler(route)(next).
func (g *Governor) Wrap(route Route, next http.Handler) http.Handler {
	return g.Handler(route)(next)
}

func (g *Governor) afterHandler(r *http.Request, route Route, principal govern.Principal, identity string, status int) {
	if route.Class != "" && g.engine.RateLimiter().IsAuthClass(route.Class) {
		g.recordAuthOutcome(r, route.Class, identity, status)
	}
	if route.Invalidate != nil && !isRead(r.Method) && status >= 200 && status < 300 {
		g.invalidate(r, route.Invalidate, principal)
	}
}

func subjectOf(p govern.Principal) string {
	id, ok := p.Authenticated()
	if !ok {
		return ""
	}
	return id.Subject
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
