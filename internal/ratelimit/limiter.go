// Package ratelimit throttles outbound requests per host and inbound triggers per key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter admits or rejects an action for a key.
type RateLimiter interface {
	Allow(key string) bool
}

// Limiter enforces a minimum interval between requests to the same host.
type Limiter struct {
	mu          sync.Mutex
	hosts       map[string]*rate.Limiter
	minInterval time.Duration
}

func New(minInterval time.Duration) *Limiter {
	return &Limiter{
		hosts:       make(map[string]*rate.Limiter),
		minInterval: minInterval,
	}
}

func (l *Limiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.minInterval), 1)
		l.hosts[host] = lim
	}
	return lim
}

// Allow reports whether key may proceed now. A rejected call does not consume the
// key's slot. This is the in-process trigger limiter when Redis is not configured.
func (l *Limiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// WaitContext blocks until a request to host may proceed or ctx is done.
func (l *Limiter) WaitContext(ctx context.Context, host string) error {
	return l.limiter(host).Wait(ctx)
}
