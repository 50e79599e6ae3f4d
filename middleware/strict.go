package middleware

import (
	"net/http"

	"github.com/clank08/govern/ratelimit"
)

// RequireAuth refuses callers without a valid credential. No rate limit or
// cache stage runs.
func RequireAuth(g *Governor) func(http.Handler) http.Handler {
	return g.Handler(Route{RequireAuth: true})
}

// Public resolves an optional credential and applies the class budget.
func Public(g *Governor, class ratelimit.Class) func(http.Handler) http.Handler {
	return g.Handler(Route{Class: class})
}
