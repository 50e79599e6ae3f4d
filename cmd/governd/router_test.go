package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clank08/govern/internal/config"
)

const (
	demoUser = "demo@example.com"
	demoPass = "demo-password"
)

func newTestApp(t *testing.T) http.Handler {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.InMemory = true

	a, err := buildApp(t.Context(), cfg, zap.NewNop(), demoUser+":"+demoPass)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a.router()
}

func call(t *testing.T, h http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) tokenResponse {
	t.Helper()
	rec := call(t, h, http.MethodPost, "/auth/login", "", map[string]string{"identifier": demoUser, "password": demoPass})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.AccessToken)
	return out
}

func TestSearchIsCached(t *testing.T) {
	h := newTestApp(t)

	first := call(t, h, http.MethodGet, "/content/search?q=token", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache"))
	require.Contains(t, first.Body.String(), "Token Ring")

	second := call(t, h, http.MethodGet, "/content/search?q=token", "", nil)
	require.Equal(t, "HIT", second.Header().Get("X-Cache"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, "20", second.Header().Get("X-RateLimit-Limit"))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	h := newTestApp(t)

	rec := call(t, h, http.MethodPost, "/auth/login", "", map[string]string{"identifier": demoUser, "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotContains(t, rec.Body.String(), "argon")
}

func TestWatchlistInvalidatedByWrite(t *testing.T) {
	h := newTestApp(t)
	tokens := login(t, h)

	rec := call(t, h, http.MethodGet, "/me/watchlist", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, h, http.MethodGet, "/me/watchlist", tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/me/watchlist", tokens.AccessToken, nil)
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = call(t, h, http.MethodPost, "/me/watchlist", tokens.AccessToken, map[string]string{"item_id": "s-001"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = call(t, h, http.MethodGet, "/me/watchlist", tokens.AccessToken, nil)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	require.Contains(t, rec.Body.String(), "Token Ring")

	rec = call(t, h, http.MethodPost, "/me/watchlist", tokens.AccessToken, map[string]string{"item_id": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshRotationAndLogout(t *testing.T) {
	h := newTestApp(t)
	tokens := login(t, h)

	rec := call(t, h, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	require.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)

	rec = call(t, h, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"error":"invalid or expired credentials"}`, rec.Body.String())

	rec = call(t, h, http.MethodGet, "/me/sessions", rotated.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), rotated.SessionID)

	rec = call(t, h, http.MethodPost, "/auth/logout", rotated.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodGet, "/me/sessions", rotated.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	h := newTestApp(t)
	tokens := login(t, h)

	rec := call(t, h, http.MethodPost, "/auth/password", tokens.AccessToken, map[string]string{
		"old_password": "not-the-password",
		"new_password": "another-password",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/auth/password", tokens.AccessToken, map[string]string{
		"old_password": demoPass,
		"new_password": "another-password",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, h, http.MethodGet, "/me/sessions", tokens.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
