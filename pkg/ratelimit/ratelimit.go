// Package ratelimit enforces the per-target request ceiling shared by every
// prober worker, independent of pool size. It is a thin layer over
// golang.org/x/time/rate adding per-host buckets and adaptive slowdown when
// a target starts answering 429.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	// RequestsPerSecond limits requests per second (0 = unlimited)
	RequestsPerSecond float64

	// Burst allows bursting up to N requests before limiting kicks in
	Burst int

	// PerHost keeps one bucket per host instead of one global bucket
	PerHost bool

	// AdaptiveSlowdown halves a host's rate each time Throttle is called,
	// down to MinRequestsPerSecond
	AdaptiveSlowdown     bool
	MinRequestsPerSecond float64
}

// Limiter gates outbound requests.
type Limiter struct {
	config Config
	global *rate.Limiter

	mu    sync.Mutex
	hosts map[string]*rate.Limiter

	waits     atomic.Int64
	throttles atomic.Int64
}

// New creates a limiter. A nil or zero-rate config yields an unlimited
// limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MinRequestsPerSecond <= 0 {
		cfg.MinRequestsPerSecond = 1
	}
	return &Limiter{
		config: cfg,
		global: newBucket(cfg.RequestsPerSecond, cfg.Burst),
		hosts:  make(map[string]*rate.Limiter),
	}
}

func newBucket(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until the global bucket allows another request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitForHost(ctx, "")
}

// WaitForHost blocks until the bucket for host allows another request.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if l == nil {
		return ctx.Err()
	}
	l.waits.Add(1)
	return l.bucket(host).Wait(ctx)
}

func (l *Limiter) bucket(host string) *rate.Limiter {
	if !l.config.PerHost || host == "" {
		return l.global
	}
	host = strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.hosts[host]
	if !ok {
		b = newBucket(l.config.RequestsPerSecond, l.config.Burst)
		l.hosts[host] = b
	}
	return b
}

// Throttle reports that host signalled overload. With AdaptiveSlowdown the
// host's rate is halved, never below MinRequestsPerSecond.
func (l *Limiter) Throttle(host string) {
	if l == nil || !l.config.AdaptiveSlowdown {
		return
	}
	l.throttles.Add(1)
	b := l.bucket(host)
	cur := float64(b.Limit())
	if b.Limit() == rate.Inf {
		cur = l.config.RequestsPerSecond
		if cur <= 0 {
			return
		}
	}
	next := cur / 2
	if next < l.config.MinRequestsPerSecond {
		next = l.config.MinRequestsPerSecond
	}
	b.SetLimit(rate.Limit(next))
}

// Limit returns the current rate for host in requests per second.
func (l *Limiter) Limit(host string) float64 {
	return float64(l.bucket(host).Limit())
}

// Stats returns the number of Wait calls and throttle events.
func (l *Limiter) Stats() (waits, throttles int64) {
	return l.waits.Load(), l.throttles.Load()
}
