package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// userLimiters holds one token bucket per user id.
type userLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func (l *userLimiters) get(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	return lim
}

// RateLimit throttles requests per authenticated user. It must run after
// UserAuth. rps <= 0 disables throttling.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiters := &userLimiters{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := UserFromContext(r.Context())
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "no user in request")
				return
			}
			if !limiters.get(u.ID).Allow() {
				w.Header().Set("Retry-After", "1")
				httpError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
