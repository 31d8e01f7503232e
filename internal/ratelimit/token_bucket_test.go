package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "client-a")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "client-a")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "client-a")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter < time.Second {
		t.Fatalf("expected retry-after of at least 1s, got %s", d.RetryAfter)
	}

	d, _ = bucket.Allow(ctx, "client-b")
	if !d.Allowed {
		t.Fatalf("buckets must be independent per key")
	}

	// Refill cannot be tested with miniredis.FastForward() because the Lua
	// script receives time from Go's time.Now(), not Redis's clock.
}

func TestTokenBucketDisabled(t *testing.T) {
	bucket := newBucket(t, 0, 0)
	for i := 0; i < 10; i++ {
		d, err := bucket.Allow(context.Background(), "any")
		if err != nil || !d.Allowed {
			t.Fatalf("disabled bucket must always allow, got %v %v", d.Allowed, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	bucket := newBucket(t, 1, 0.01)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rejected := 0
	h := Middleware(bucket, nil, logger, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
	req.Header.Set("X-Client-ID", "agent-1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rejected != 1 {
		t.Fatalf("expected reject hook once, got %d", rejected)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := ClientKey(req); got != "ip:10.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
	req.Header.Set("X-Client-ID", "cli")
	if got := ClientKey(req); got != "client:cli" {
		t.Fatalf("unexpected key %q", got)
	}
}
