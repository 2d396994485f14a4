package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"rentflow.io/internal/auth"
)

const (
	authHeader        = "Authorization"
	internalKeyHeader = "X-Internal-API-Key"
	bearer            = "Bearer "

	// internalPrincipal is the user id given to callers holding the internal API key.
	internalPrincipal = "internal-service"
)

var (
	rolesInternal = []string{auth.RoleInternal}
	rolesAdmin    = []string{auth.RoleAdmin}
	rolesSelf     = []string{auth.RoleSubscriber, auth.RoleAdmin}
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth resolves the caller from the internal API key or a bearer token. Role checks
// happen per route in RequireRole.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get(internalKeyHeader); key != "" {
			if a.internalKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.internalKey)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "invalid internal api key")
				return
			}
			ctx := auth.WithPrincipal(r.Context(), auth.Principal{Subject: internalPrincipal, Roles: rolesInternal})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		if a.tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, auth.ErrMissingSecret.Error())
			return
		}
		principal, err := a.tokens.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// RequireRole admits callers holding at least one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.PrincipalFrom(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
				writeError(w, r, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
				return
			}
			if !auth.HasAnyRole(r.Context(), roles...) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, auth.ErrForbidden.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// callerRole names the role recorded on ledger entries written by this request.
func callerRole(r *http.Request) string {
	p, _ := auth.PrincipalFrom(r.Context())
	for _, role := range []string{auth.RoleInternal, auth.RoleAdmin, auth.RoleSubscriber} {
		if p.Has(role) {
			return role
		}
	}
	return ""
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
