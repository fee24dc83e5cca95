package resilience

import (
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny after capacity")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after refill")
	}
}

func TestRateLimiterWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Minute, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow within window cap %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny once window cap reached despite tokens")
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestCircuitBreakerSingleHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 2, 2, 0.5, 100*time.Millisecond, 1)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatalf("expected open state")
	}
	time.Sleep(150 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected first half-open probe to be allowed")
	}
	if cb.Allow() {
		t.Fatalf("expected second concurrent half-open probe to be denied")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	max := 2 * time.Second
	for i := 0; i < 10; i++ {
		d := Backoff(100*time.Millisecond, i, max)
		if d > max {
			t.Fatalf("backoff exceeded cap: %v", d)
		}
	}
}
