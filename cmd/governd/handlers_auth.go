package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clank08/govern"
	"github.com/clank08/govern/middleware"
)

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

func writeTokens(w http.ResponseWriter, t *govern.Tokens) {
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt,
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt,
		SessionID:        t.Session.SessionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	tokens, err := a.engine.Login(r.Context(), body.Identifier, body.Password)
	switch {
	case err == nil:
		writeTokens(w, tokens)
	case errors.Is(err, govern.ErrAccountLocked):
		retryAfter, _ := govern.RetryAfterOf(err)
		middleware.WriteRetryable(w, http.StatusLocked, "account locked", retryAfter)
	case errors.Is(err, govern.ErrInvalidCredentials):
		middleware.WriteError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		a.logger.Warn("login failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	tokens, err := a.engine.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		a.writeCredentialFailure(w, err)
		return
	}
	writeTokens(w, tokens)
}

func (a *app) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.BearerToken(r)
	if err := a.engine.Logout(r.Context(), token); err != nil {
		a.writeCredentialFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	id, _ := govern.PrincipalFromContext(r.Context()).Authenticated()
	err := a.engine.ChangePassword(r.Context(), id.Subject, body.OldPassword, body.NewPassword)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, govern.ErrInvalidCredentials):
		middleware.WriteError(w, http.StatusForbidden, "current password does not match")
	case errors.Is(err, govern.ErrPasswordPolicy), errors.Is(err, govern.ErrPasswordReuse):
		middleware.WriteError(w, http.StatusUnprocessableEntity, "new password rejected")
	default:
		a.logger.Warn("password change failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func (a *app) handleSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := govern.PrincipalFromContext(r.Context()).Authenticated()
	sessions, err := a.engine.Sessions(r.Context(), id.Subject)
	if err != nil {
		a.logger.Warn("list sessions failed", zap.Error(err))
		middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	type sessionView struct {
		SessionID      string    `json:"session_id"`
		CreatedAt      time.Time `json:"created_at"`
		LastActivityAt time.Time `json:"last_activity_at"`
		ExpiresAt      time.Time `json:"expires_at"`
		Revoked        bool      `json:"revoked"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			SessionID:      s.SessionID,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			Revoked:        s.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// writeCredentialFailure maps a refresh or logout error onto 401 or 503.
// The response never carries the failure reason.
func (a *app) writeCredentialFailure(w http.ResponseWriter, err error) {
	reason := govern.ReasonOf(err)
	if reason != "" && reason != govern.ReasonRevocationUnavailable {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		middleware.WriteError(w, http.StatusUnauthorized, "invalid or expired credentials")
		return
	}
	a.logger.Warn("credential operation failed", zap.Error(err))
	middleware.WriteError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
}
