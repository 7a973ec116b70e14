package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// exemptPaths skip limiting: the health probe must never be throttled
// and the event stream holds one long-lived connection.
var exemptPaths = map[string]bool{
	"/health":        true,
	"/api/v1/events": true,
}

// Middleware enforces the limiter per caller. The caller identity is the
// bearer token when present, the remote address otherwise.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			res := l.Allow(CallerID(r))
			if !res.Allowed {
				secs := int(res.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerID identifies the requester for limiting purposes.
func CallerID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
			return "token:" + tok
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
