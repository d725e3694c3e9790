package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostGate caps the number of in-flight requests per host.
type HostGate struct {
	mu    sync.Mutex
	max   int64
	hosts map[string]*semaphore.Weighted
}

func NewHostGate(maxPerHost int) *HostGate {
	if maxPerHost < 1 {
		maxPerHost = 1
	}
	return &HostGate{
		max:   int64(maxPerHost),
		hosts: make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until a slot for host is free. The returned func releases it.
func (g *HostGate) Acquire(ctx context.Context, host string) (func(), error) {
	g.mu.Lock()
	sem, ok := g.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(g.max)
		g.hosts[host] = sem
	}
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
