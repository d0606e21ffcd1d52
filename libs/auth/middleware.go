package auth

import (
	"net/http"
	"strings"

	"github.com/nadim-ashraf/bookflow/libs/httpx"
)

const (
	UserIDHeader = "X-User-Id"
	RoleHeader   = "X-Role"
)

// RequireAuth validates the bearer token and projects the actor identity
// onto trusted headers for downstream handlers. Client-supplied values for
// those headers are always overwritten.
func RequireAuth(secret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := ParseHS256(raw, secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			r.Header.Set(UserIDHeader, claims.Subject)
			r.Header.Set(RoleHeader, claims.Role)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole admits only the listed roles; it runs after RequireAuth.
func RequireRole(roles ...string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actual := r.Header.Get(RoleHeader)
			for _, role := range roles {
				if actual == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
