package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limited")

// LimiterOpts configures the token bucket rate limiter.
type LimiterOpts struct {
	// Rate is the number of tokens added per second. Zero or less disables limiting.
	Rate float64
	// Burst is the maximum number of tokens (bucket capacity).
	Burst int
}

// Limiter is a token bucket rate limiter.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter creates a token bucket rate limiter.
func NewLimiter(opts LimiterOpts) *Limiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Limit(opts.Rate)
	if opts.Rate <= 0 {
		limit = rate.Inf
	}
	return &Limiter{lim: rate.NewLimiter(limit, opts.Burst)}
}

// Allow checks if a request is allowed (non-blocking).
func (l *Limiter) Allow() bool { return l.lim.Allow() }

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error { return l.lim.Wait(ctx) }

// Call executes f if a token is available, otherwise returns ErrRateLimited.
func (l *Limiter) Call(ctx context.Context, f func(context.Context) error) error {
	if !l.Allow() {
		return ErrRateLimited
	}
	return f(ctx)
}

// CallWait waits for a token then executes f.
func (l *Limiter) CallWait(ctx context.Context, f func(context.Context) error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	return f(ctx)
}

// KeyedLimiter keeps one Limiter per key. Idle keys are evicted after ttl and
// at most size keys are tracked.
type KeyedLimiter struct {
	opts LimiterOpts
	lims *expirable.LRU[string, *Limiter]
}

// NewKeyedLimiter creates a KeyedLimiter.
func NewKeyedLimiter(opts LimiterOpts, size int, ttl time.Duration) *KeyedLimiter {
	if size <= 0 {
		size = 1024
	}
	return &KeyedLimiter{opts: opts, lims: expirable.NewLRU[string, *Limiter](size, nil, ttl)}
}

// Allow reports whether key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	l, ok := k.lims.Get(key)
	if !ok {
		l = NewLimiter(k.opts)
		k.lims.Add(key, l)
	}
	return l.Allow()
}

// Len is the number of tracked keys.
func (k *KeyedLimiter) Len() int { return k.lims.Len() }
