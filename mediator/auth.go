// ABOUTME: Basic-auth middleware over the authentication table.
// ABOUTME: Every authorization failure is a unified 401; resource existence never leaks through auth.
package mediator

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"

	"github.com/2389-research/unicorn/store"
)

type contextKey string

const userContextKey contextKey = "mediator.user"

// userFrom returns the authenticated user stored by the middleware.
func userFrom(r *http.Request) store.User {
	u, _ := r.Context().Value(userContextKey).(store.User)
	return u
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="unicorn"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// basicAuth authenticates every request against the store. Unknown
// users, bad passwords, and missing credentials all produce the same
// 401 body.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			unauthorized(w)
			return
		}
		user, err := s.store.GetUser(r.Context(), username)
		if errors.Is(err, store.ErrNotFound) {
			unauthorized(w)
			return
		}
		if err != nil {
			log.Printf("component=mediator action=auth_lookup_failed username=%s err=%v", username, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		given := store.HashPassword(password)
		if subtle.ConstantTimeCompare([]byte(given), []byte(user.PasswordHash)) != 1 {
			unauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// effectiveOwner resolves whose experiments the request operates on.
// Sudo users may act on behalf of any user via the username query
// parameter; everyone else acts on their own.
func effectiveOwner(r *http.Request) string {
	user := userFrom(r)
	if user.Sudo {
		if impersonated := r.URL.Query().Get("username"); impersonated != "" {
			return impersonated
		}
	}
	return user.Username
}
