package main

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/middleware"
	"github.com/clank08/govern/session"
)

type item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  string `json:"kind"`
}

type catalog struct {
	items map[string]item
}

func defaultCatalog() *catalog {
	c := &catalog{items: make(map[string]item)}
	for _, it := range []item{
		{ID: "m-001", Title: "The Long Window", Kind: "movie"},
		{ID: "m-002", Title: "Rate of Return", Kind: "movie"},
		{ID: "s-001", Title: "Token Ring", Kind: "series"},
		{ID: "s-002", Title: "Cache Me If You Can", Kind: "series"},
		{ID: "d-001", Title: "Revocation Day", Kind: "documentary"},
	} {
		c.items[it.ID] = it
	}
	return c
}

// Search returns items whose title contains q, case-insensitively, ordered by id.
func (c *catalog) Search(q string) []item {
	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]item, 0, len(c.items))
	for _, it := range c.items {
		if q == "" || strings.Contains(strings.ToLower(it.Title), q) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *catalog) Get(id string) (item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// watchlistStore keeps each subject's watchlist as a Redis set next to the
// subject's session keys.
type watchlistStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func newWatchlistStore(rdb redis.UniversalClient, prefix string) *watchlistStore {
	return &watchlistStore{rdb: rdb, prefix: prefix}
}

func (s *watchlistStore) key(subject string) string {
	return session.SubjectNamespace(s.prefix, subject) + ":wl"
}

func (s *watchlistStore) List(ctx context.Context, subject string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.key(subject)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *watchlistStore) Add(ctx context.Context, subject, itemID string) error {
	return s.rdb.SAdd(ctx, s.key(subject), itemID).Err()
}

func (a *app) handleSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items": a.catalog.Search(r.URL.Query().Get("q")),
	})
}

func (a *app) handleWatchlistGet(w http.ResponseWriter, r *http.Request) {
	id, _ := govern.PrincipalFromContext(r.Context()).Authenticated()
	ids, err := a.watchlist.List(r.Context(), id.Subject)
	if err != nil {
		a.logger.Warn("watchlist read failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	items := make([]item, 0, len(ids))
	for _, itemID := range ids {
		if it, ok := a.catalog.Get(itemID); ok {
			items = append(items, it)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *app) handleWatchlistAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemID string `json:"item_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if _, ok := a.catalog.Get(body.ItemID); !ok {
		middleware.WriteError(w, http.StatusNotFound, "unknown item")
		return
	}

	id, _ := govern.PrincipalFromContext(r.Context()).Authenticated()
	if err := a.watchlist.Add(r.Context(), id.Subject, body.ItemID); err != nil {
		a.logger.Warn("watchlist write failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}
	w.WriteHeader(http.StatusCreated)
}
