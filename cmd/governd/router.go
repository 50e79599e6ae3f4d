package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clank08/govern/middleware"
	"github.com/clank08/govern/ratelimit"
)

const (
	searchTag    = "content:search"
	watchlistTag = "user:{subject}:watchlist"
)

var (
	loginRoute   = middleware.Route{Class: ratelimit.ClassLogin}
	refreshRoute = middleware.Route{Class: ratelimit.ClassRefresh}
	logoutRoute  = middleware.Route{Class: ratelimit.ClassWrite, RequireAuth: true}
	passwdRoute  = middleware.Route{Class: ratelimit.ClassWrite, RequireAuth: true}

	searchRoute = middleware.Route{
		Class: ratelimit.ClassSearch,
		Cache: &middleware.CachePolicy{
			Key:  "content:search:{query}",
			Tags: []string{searchTag},
		},
	}
	watchlistReadRoute = middleware.Route{
		Class:       ratelimit.ClassPublicRead,
		RequireAuth: true,
		Cache: &middleware.CachePolicy{
			Key:  "user:{subject}:watchlist",
			Tags: []string{watchlistTag},
		},
	}
	watchlistWriteRoute = middleware.Route{
		Class:       ratelimit.ClassWrite,
		RequireAuth: true,
		Invalidate:  &middleware.InvalidatePolicy{Tags: []string{watchlistTag}},
	}
	sessionsRoute = middleware.Route{Class: ratelimit.ClassPublicRead, RequireAuth: true}
)

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)

	g := a.governor
	r.Route("/auth", func(r chi.Router) {
		r.With(g.Handler(loginRoute)).Post("/login", a.handleLogin)
		r.With(g.Handler(refreshRoute)).Post("/refresh", a.handleRefresh)
		r.With(g.Handler(logoutRoute)).Post("/logout", a.handleLogout)
		r.With(g.Handler(passwdRoute)).Post("/password", a.handleChangePassword)
	})
	r.With(g.Handler(searchRoute)).Get("/content/search", a.handleSearch)
	r.Route("/me", func(r chi.Router) {
		r.With(g.Handler(watchlistReadRoute)).Get("/watchlist", a.handleWatchlistGet)
		r.With(g.Handler(watchlistWriteRoute)).Post("/watchlist", a.handleWatchlistAdd)
		r.With(g.Handler(sessionsRoute)).Get("/sessions", a.handleSessions)
	})

	return otelhttp.NewHandler(r, "governd")
}
