package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"wastelink.org/internal/auth"
)

const bearer = "Bearer "

// TokenVerifier resolves an access token to its principal.
type TokenVerifier interface {
	VerifyAccess(ctx context.Context, token string) (auth.Principal, error)
}

// Authenticate requires a valid bearer token and stores the principal and
// the raw token in the request context.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="wastelink"`)
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			principal, err := v.VerifyAccess(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrInactiveAccount):
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
					writeError(w, r, http.StatusUnauthorized, "account inactive")
				case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
					writeError(w, r, http.StatusUnauthorized, "invalid token")
				default:
					writeDomainError(w, r, err)
				}
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole admits only principals holding one of roles. It must run
// after Authenticate.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="wastelink"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if err := auth.RequireRole(principal, roles...); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
