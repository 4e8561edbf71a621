package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"wastelink.org/internal/audit"
	"wastelink.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	auth.TokenPair
	User auth.Principal `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	pair, p, err := a.deps.Sessions.Login(r.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrInactiveAccount) {
			audit.Record(r.Context(), audit.AuthLoginFailed, map[string]any{
				"email":  email,
				"reason": strings.TrimPrefix(err.Error(), "authentication error: "),
			})
		}
		writeDomainError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), p)
	audit.Record(ctx, audit.AuthLogin, map[string]any{"access_expires_at": pair.AccessExpiresAt})
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: p})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}
	pair, p, err := a.deps.Sessions.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefreshToken) {
			writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		writeDomainError(w, r, err)
		return
	}
	audit.Record(auth.ContextWithPrincipal(r.Context(), p), audit.AuthRefresh, nil)
	writeJSON(w, http.StatusOK, sessionResponse{TokenPair: pair, User: p})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p := principal(r)
	if err := a.deps.Sessions.Revoke(r.Context(), p.ID, req.RefreshToken); err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.AuthLogout, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	n, err := a.deps.Sessions.RevokeAll(r.Context(), p.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.AuthLogoutAll, map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}
