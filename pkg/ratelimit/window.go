// Package ratelimit throttles outgoing requests per API and tracks the
// per-key quota the provider reports in its X-RateLimit-* headers.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultWindow is the span over which the per-API request limits apply.
const DefaultWindow = time.Second

var (
	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scopus_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a free slot in the per-API request window",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"api"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopus_ratelimit_throttles_total",
		Help: "Total number of requests delayed by the per-API request window",
	}, []string{"api"})
)

// Clock abstracts time so tests can drive the limiter deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// window remembers the timestamps of the most recent requests, at most max.
type window struct {
	mu     sync.Mutex
	max    int
	stamps []time.Time
}

// reserve records now if a slot is free and returns 0, otherwise it returns
// how long to wait before trying again.
func (w *window) reserve(now time.Time, span time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.stamps) < w.max {
		w.stamps = append(w.stamps, now)
		return 0
	}

	wait := w.stamps[0].Add(span).Sub(now)
	if wait > 0 {
		return wait
	}
	copy(w.stamps, w.stamps[1:])
	w.stamps[len(w.stamps)-1] = now
	return 0
}

func (w *window) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.stamps)
}

// Limiter enforces a maximum number of requests per API within a sliding
// window. It is safe for concurrent use.
type Limiter struct {
	span    time.Duration
	clock   Clock
	logger  zerolog.Logger
	windows map[string]*window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithWindow changes the window span.
func WithWindow(span time.Duration) Option {
	return func(l *Limiter) {
		l.span = span
	}
}

// NewLimiter creates a limiter from per-API maxima. APIs with a limit below
// one are not throttled.
func NewLimiter(limits map[string]int, logger zerolog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		span:    DefaultWindow,
		clock:   realClock{},
		logger:  logger,
		windows: make(map[string]*window, len(limits)),
	}
	for _, opt := range opts {
		opt(l)
	}
	for api, limit := range limits {
		if limit > 0 {
			l.windows[api] = &window{max: limit, stamps: make([]time.Time, 0, limit)}
		}
	}
	return l
}

// Acquire blocks until one more request for api fits into its window, then
// records it. It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context, api string) error {
	w, ok := l.windows[api]
	if !ok {
		return nil
	}

	start := l.clock.Now()
	waited := false
	for {
		wait := w.reserve(l.clock.Now(), l.span)
		if wait == 0 {
			break
		}
		if !waited {
			rateLimitThrottlesTotal.WithLabelValues(api).Inc()
			waited = true
		}
		l.logger.Debug().
			Str("api", api).
			Dur("wait", wait).
			Msg("Request window full, waiting")
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	rateLimitWaitSeconds.WithLabelValues(api).Observe(l.clock.Now().Sub(start).Seconds())
	return nil
}

// InFlight returns the number of timestamps currently held for api.
func (l *Limiter) InFlight(api string) int {
	w, ok := l.windows[api]
	if !ok {
		return 0
	}
	return w.len()
}

// Limit returns the configured maximum for api, 0 when unthrottled.
func (l *Limiter) Limit(api string) int {
	w, ok := l.windows[api]
	if !ok {
		return 0
	}
	return w.max
}
