// Package govern is the request-governance layer of an application backend.
// For every inbound request it answers who is calling, whether they may call
// right now, and whether the answer can come from cache.
//
// The [Engine] issues, validates, refreshes and revokes session credentials
// and holds the handles for the adaptive rate limiter (package ratelimit)
// and the tag-indexed cache (package cache). The middleware package runs the
// three stages in order for each request.
//
// # Failure policy
//
// Credential failures are terminal and typed as *[CredentialError]. A
// revocation lookup that cannot reach the store fails closed with
// REVOCATION_UNAVAILABLE. Rate limiting and caching fail open: the store
// being down degrades them, never the request.
//
// # State
//
// All cross-request state lives in the shared Redis store passed to
// [Builder.WithRedis]. Session records, revocation entries and the
// subject's revoke-before timestamp share one namespace per subject; rate
// limit buckets and cache entries use their own prefixes.
//
// Engine methods are safe for concurrent use after [Builder.Build].
package govern
