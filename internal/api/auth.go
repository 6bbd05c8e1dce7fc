package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/lectern/internal/storage"
)

// UserLookup resolves a bearer token to its user. *storage.Store satisfies it.
type UserLookup interface {
	UserByToken(token string) (storage.User, error)
}

type userKey struct{}

// UserFromContext returns the user attached by UserAuth.
func UserFromContext(ctx context.Context) (storage.User, bool) {
	u, ok := ctx.Value(userKey{}).(storage.User)
	return u, ok
}

func withUser(ctx context.Context, u storage.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserAuth authenticates "Authorization: Bearer <token>" against the user
// table and stores the user in the request context.
func UserAuth(users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			u, err := users.UserByToken(strings.TrimSpace(auth[len(prefix):]))
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "looking up token: %v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
		})
	}
}
