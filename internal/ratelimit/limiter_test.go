package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var _ RateLimiter = (*Limiter)(nil)

func TestWaitContext_FirstRequestIsImmediate(t *testing.T) {
	limiter := New(200 * time.Millisecond)

	start := time.Now()
	if err := limiter.WaitContext(context.Background(), "spine-health.example"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("first WaitContext() waited %v", elapsed)
	}
}

func TestWaitContext_SameHostWaitsForInterval(t *testing.T) {
	limiter := New(50 * time.Millisecond)
	ctx := context.Background()

	if err := limiter.WaitContext(ctx, "spine-health.example"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}
	start := time.Now()
	if err := limiter.WaitContext(ctx, "spine-health.example"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second WaitContext() to the same host waited only %v", elapsed)
	}
}

func TestWaitContext_HostsAreIndependent(t *testing.T) {
	limiter := New(time.Second)
	ctx := context.Background()

	if err := limiter.WaitContext(ctx, "spine-health.example"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}
	start := time.Now()
	if err := limiter.WaitContext(ctx, "x.com"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("WaitContext() for another host waited %v", elapsed)
	}
}

func TestWaitContext_CanceledContext(t *testing.T) {
	limiter := New(time.Hour)

	if err := limiter.WaitContext(context.Background(), "spine-health.example"); err != nil {
		t.Fatalf("WaitContext() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := limiter.WaitContext(ctx, "spine-health.example")
	if err == nil {
		t.Fatal("WaitContext() should fail when the next slot is past the deadline")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("WaitContext() error = %v, want a deadline error", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("WaitContext() held on for %v after the deadline", elapsed)
	}
}

func TestAllow_TriggerCooldownPerKey(t *testing.T) {
	limiter := New(time.Hour)

	if !limiter.Allow("scrape:article") {
		t.Fatal("first trigger for a kind should be allowed")
	}
	if limiter.Allow("scrape:article") {
		t.Error("second trigger for the same kind should be rejected inside the cooldown")
	}
	if !limiter.Allow("scrape:tweet") {
		t.Error("a different kind should have its own cooldown")
	}
}

func TestAllow_RejectionDoesNotExtendCooldown(t *testing.T) {
	limiter := New(50 * time.Millisecond)

	limiter.Allow("scrape:article")
	time.Sleep(30 * time.Millisecond)
	limiter.Allow("scrape:article")
	time.Sleep(30 * time.Millisecond)

	if !limiter.Allow("scrape:article") {
		t.Error("a rejected trigger should not push the cooldown back")
	}
}

func TestLimiter_ZeroIntervalNeverBlocks(t *testing.T) {
	limiter := New(0)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("scrape:article") {
			t.Fatalf("Allow() rejected call %d with a zero interval", i)
		}
		if err := limiter.WaitContext(context.Background(), "spine-health.example"); err != nil {
			t.Fatalf("WaitContext() error = %v", err)
		}
	}
}

func TestLimiter_ConcurrentHosts(t *testing.T) {
	limiter := New(10 * time.Millisecond)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			host := "host" + string(rune('a'+idx)) + ".example"
			for j := 0; j < 3; j++ {
				if err := limiter.WaitContext(context.Background(), host); err != nil {
					t.Errorf("WaitContext(%s) error = %v", host, err)
					return
				}
			}
			limiter.Allow(host)
		}(i)
	}
	wg.Wait()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.hosts) != 10 {
		t.Errorf("tracked %d hosts, want 10", len(limiter.hosts))
	}
}
