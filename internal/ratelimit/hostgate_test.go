package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHostGate_CapsConcurrency(t *testing.T) {
	gate := NewHostGate(2)
	var inFlight, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gate.Acquire(context.Background(), "example.com")
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			defer release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak)
	}
}

func TestHostGate_ContextCancelled(t *testing.T) {
	gate := NewHostGate(1)
	release, err := gate.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := gate.Acquire(ctx, "example.com"); err == nil {
		t.Error("Acquire() should fail when the context expires")
	}
	if r, err := gate.Acquire(context.Background(), "other.com"); err != nil {
		t.Errorf("Acquire() for other host error = %v", err)
	} else {
		r()
	}
}
