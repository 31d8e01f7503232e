package ratelimit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
)

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// ClientKey keys on X-Client-ID when present, otherwise on the remote IP.
func ClientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return "client:" + v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests with 429 once the caller's bucket is empty.
// Limiter errors fail open and are logged. onReject may be nil.
func Middleware(l Limiter, key KeyFunc, logger *slog.Logger, onReject func()) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				logger.Warn("rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				if onReject != nil {
					onReject()
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"rate limited"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
