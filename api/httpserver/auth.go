package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// ParseAdminToken splits a "user:pass" token. A token without a colon is
// taken as the user name with an empty password.
func ParseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

// AdminAuth returns basic auth middleware for the given admin token. An
// empty token rejects every request.
func AdminAuth(realm, token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "admin interface disabled", http.StatusForbidden)
			})
		}
	}
	user, pass := ParseAdminToken(token)
	return middleware.BasicAuth(realm, map[string]string{user: pass})
}
