package worker

import (
	"context"
	"testing"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/provider"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped for attempt 10: %s", b10)
	}
}

func TestBackoffWithTinyBase(t *testing.T) {
	if got := backoffWithJitter(time.Nanosecond, time.Nanosecond, 1); got != time.Nanosecond {
		t.Fatalf("expected 1ns, got %s", got)
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		class   provider.Class
		attempt int
		want    action
	}{
		{provider.Retryable, 1, actionRetry},
		{provider.Retryable, 2, actionRetry},
		{provider.Retryable, 3, actionExhausted},
		{provider.Retryable, 4, actionExhausted},
		{provider.Fatal, 1, actionFail},
		{provider.Fatal, 3, actionFail},
	}
	for _, c := range cases {
		if got := decide(c.class, c.attempt, 3); got != c.want {
			t.Fatalf("decide(%v, %d, 3) = %s, want %s", c.class, c.attempt, got, c.want)
		}
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); err == nil {
		t.Fatal("expected cancellation error")
	}
}
