package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clank08/govern"
)

// authenticate resolves the caller. It writes the refusal and returns false
// when the request must stop here.
func (g *Governor) authenticate(w http.ResponseWriter, r *http.Request, route Route) (govern.Principal, bool) {
	ctx, span := g.tracer.Start(r.Context(), "govern.authenticate")
	defer span.End()

	token, present := bearerToken(r.Header.Get("Authorization"))
	if !present {
		span.SetAttributes(attribute.Bool("govern.authenticated", false))
		if route.RequireAuth {
			writeUnauthorized(w)
			return govern.Unauthenticated(), false
		}
		return govern.Unauthenticated(), true
	}

	principal, err := g.engine.Authenticate(ctx, token)
	if err != nil {
		reason := govern.ReasonOf(err)
		span.SetAttributes(attribute.String("govern.failure_reason", string(reason)))
		if errors.Is(err, govern.ErrTokenRevocationUnavailable) {
			span.SetStatus(codes.Error, "revocation store unavailable")
			g.logger.Warn("credential check unavailable", zap.Error(err))
			writeUnavailable(w)
			return govern.Unauthenticated(), false
		}
		g.logger.Debug("credential rejected", zap.String("reason", string(reason)))
		writeUnauthorized(w)
		return govern.Unauthenticated(), false
	}

	span.SetAttributes(attribute.Bool("govern.authenticated", true))
	return principal, true
}

// BearerToken returns the credential from the request's Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

// clientIP returns the first address of the trusted forwarding header, or
// the connection's remote host.
func (g *Governor) clientIP(r *http.Request) string {
	if g.forwardHeader != "" {
		if v := r.Header.Get(g.forwardHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
