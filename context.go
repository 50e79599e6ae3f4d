package govern

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type principalContextKey struct{}

// WithClientIP stores the resolved client address used for rate-limit
// identity and session anomaly signals.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent stores the request user agent for session anomaly signals.
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, ua)
}

// ClientIPFromContext returns the address stored by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(clientIPContextKey{}).(string)
	return v
}

// UserAgentFromContext returns the user agent stored by WithUserAgent.
func UserAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(userAgentContextKey{}).(string)
	return v
}

// WithPrincipal attaches the resolved caller to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the caller attached by WithPrincipal. A
// context without one yields the unauthenticated principal.
func PrincipalFromContext(ctx context.Context) Principal {
	if ctx == nil {
		return Unauthenticated()
	}
	p, _ := ctx.Value(principalContextKey{}).(Principal)
	return p
}
