package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/lcksfa/async-ai-task-runner/internal/provider"
)

type action int

const (
	actionRetry action = iota
	// actionExhausted: retryable failures used up the budget; fallback may apply.
	actionExhausted
	actionFail
)

func (a action) String() string {
	switch a {
	case actionRetry:
		return "retry"
	case actionExhausted:
		return "exhausted"
	default:
		return "fail"
	}
}

// decide maps the class of a failed attempt onto the next step.
func decide(class provider.Class, attempt, budget int) action {
	if class == provider.Fatal {
		return actionFail
	}
	if attempt < budget {
		return actionRetry
	}
	return actionExhausted
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
