// Package ratelimit implements the process-wide token bucket gating every
// outbound request to the Bungie API. The bucket allows bursts up to its
// capacity, then throttles callers to one full bucket per window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bungie limits to 250 requests per 10 seconds per IP; staying at 240 leaves
// headroom for requests issued outside this process.
const (
	DefaultMaxTokens     = 240
	DefaultWindowSeconds = 10
)

// Prometheus metrics for rate limit gating.
var (
	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bungie_rate_limit_waits_total",
		Help: "Total number of acquires that had to wait for a window reset",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bungie_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	rateLimitTokensRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bungie_rate_limit_tokens_remaining",
		Help: "Tokens remaining in the current rate limit window",
	})
)

// Limiter is a token bucket shared by every client in the process.
// One bucket of maxTokens may be spent back-to-back; once empty, callers
// block until the window since the last refill has elapsed, at which point
// the bucket refills completely.
type Limiter struct {
	mu            sync.Mutex
	tokens        int
	windowStarted time.Time

	maxTokens int
	window    time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config holds limiter configuration.
type Config struct {
	// MaxTokens is the bucket capacity (requests per window).
	MaxTokens int

	// Window is the refill interval.
	Window time.Duration
}

// DefaultConfig returns the limiter configuration matching Bungie's limits.
func DefaultConfig() Config {
	return Config{
		MaxTokens: DefaultMaxTokens,
		Window:    DefaultWindowSeconds * time.Second,
	}
}

// New creates a limiter with a full bucket.
func New(cfg Config) *Limiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindowSeconds * time.Second
	}

	l := &Limiter{
		maxTokens: cfg.MaxTokens,
		window:    cfg.Window,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	l.tokens = cfg.MaxTokens
	l.windowStarted = l.now()
	return l
}

// Acquire blocks until the caller may issue one outbound request.
// It is safe for unbounded concurrent callers; the mutex serializes access,
// so no caller can bypass the wait. Returns early only if ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens > 0 {
		l.tokens--
		rateLimitTokensRemaining.Set(float64(l.tokens))
		return nil
	}

	// Bucket empty: wait out the remainder of the window, then refill.
	elapsed := l.now().Sub(l.windowStarted)
	if remaining := l.window - elapsed; remaining > 0 {
		rateLimitWaitsTotal.Inc()
		rateLimitWaitSeconds.Observe(remaining.Seconds())
		if err := l.sleep(ctx, remaining); err != nil {
			return err
		}
	}

	l.tokens = l.maxTokens
	l.windowStarted = l.now()
	l.tokens--
	rateLimitTokensRemaining.Set(float64(l.tokens))
	return nil
}

// Tokens returns the number of tokens left in the current window.
func (l *Limiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
