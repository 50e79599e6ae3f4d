// Package middleware is the HTTP governance pipeline built on govern.Engine.
//
// A Governor wraps each route with three stages, run in order and
// short-circuiting on the first refusal:
//
//   - authenticate: resolve the bearer credential into a govern.Principal.
//     A presented credential that fails validation is refused even on
//     public routes.
//   - rate limit: count the request against the route class bucket for the
//     caller identity and set the x-ratelimit-* headers.
//   - cache: for cache-eligible reads, serve a stored response or capture
//     the handler's response and offer it back to the cache.
//
// Mutating routes declare the tags and patterns they make stale; the
// invalidation runs after a successful handler.
//
// Handlers never see the raw credential. They read the caller with
// govern.PrincipalFromContext.
//
// Cache and rate-limit store failures degrade to the uncached, unlimited
// path. Revocation store failures refuse the request.
package middleware
