package authz

import (
	"net/http"

	"aniyuu/internal/lib/api/response"
	"aniyuu/internal/lib/requestctx"
)

// RequireAuth rejects requests that carry no identity with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestctx.Identity(r.Context()); !ok {
			response.Error(w, http.StatusUnauthorized, response.MsgUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects anonymous requests with 401 and callers without role with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := requestctx.Identity(r.Context())
			if !ok {
				response.Error(w, http.StatusUnauthorized, response.MsgUnauthenticated)
				return
			}
			if !identity.HasRole(role) {
				response.Error(w, http.StatusForbidden, response.MsgForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
