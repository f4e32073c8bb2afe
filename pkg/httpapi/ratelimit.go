package httpapi

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the narrow backpressure surface /v1/exchange is gated by.
// Satisfied by a Redis-backed distributed limiter in production, with an
// in-process golang.org/x/time/rate limiter as a fail-local fallback when
// Redis is unavailable.
type Limiter interface {
	Allow(ctx context.Context, actorID string) (bool, error)
}

// LocalLimiter is a per-actor token bucket kept in process memory. Used
// either standalone (no Redis configured) or as the fallback a Redis
// limiter delegates to on a connection error.
type LocalLimiter struct {
	mu    sync.Mutex
	rps   float64
	burst int
	byKey map[string]*rate.Limiter
}

func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{rps: rps, burst: burst, byKey: map[string]*rate.Limiter{}}
}

func (l *LocalLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.byKey[actorID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
		l.byKey[actorID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), 1), nil
}
