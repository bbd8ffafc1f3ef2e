// Package ratelimit paces requests to the shop across every worker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config holds the shared budget. RPS <= 0 disables pacing.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter is a token bucket shared by all sessions of a run.
type Limiter struct {
	limiter *rate.Limiter
	delay   prometheus.Observer
}

// New creates a Limiter. reg may be nil.
func New(cfg Config, reg prometheus.Registerer) (*Limiter, error) {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := max(cfg.Burst, 1)
	l := &Limiter{limiter: rate.NewLimiter(r, burst)}
	if reg != nil {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_delay_seconds",
			Help:    "Time items waited for the shared request budget.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		})
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("register rate limit histogram: %w", err)
		}
		l.delay = h
	}
	return l, nil
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); l.delay != nil && waited > time.Millisecond {
		l.delay.Observe(waited.Seconds())
	}
	return nil
}

// SetRate changes the budget of a live limiter.
func (l *Limiter) SetRate(rps float64) {
	if rps <= 0 {
		l.limiter.SetLimit(rate.Inf)
		return
	}
	l.limiter.SetLimit(rate.Limit(rps))
}
