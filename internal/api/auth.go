package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the management routes with a static bearer token. An
// empty token disables the check entirely, which is the single-user local
// deployment default. The token may also arrive as an access_token query
// parameter for clients that cannot set headers on an SSE connection.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(r, token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenMatches(r *http.Request, token string) bool {
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		presented = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
