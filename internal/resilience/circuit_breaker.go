// Package resilience provides the circuit breaker, token-bucket rate
// limiter, and jittered retry primitives shared by the Provider Registry.
// It is carried over from the teacher's libs/go/core/resilience package,
// generalized from "generic outbound request" to "provider call".
package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker is an adaptive circuit breaker that opens based on the
// failure rate over a rolling window and supports a bounded number of
// half-open probes, matching spec §3's closed->open->half-open machine.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          BreakerState
	window         *slidingWindow
	halfOpenProbes int
}

// BreakerState is the circuit breaker's current state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// NewCircuitBreaker constructs a breaker using a rolling window of the given
// size split into the given number of buckets. consecutiveFailures and
// window together with minSamples/failureRateOpen let a caller approximate
// "N consecutive failures within window W" (spec §3) via a high failure
// rate threshold evaluated once minSamples requests have landed in the
// window.
func NewCircuitBreaker(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             StateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
	}
}

// State returns the breaker's current externally visible state, transitioning
// open->half-open as a side effect once the cooldown has elapsed (the same
// lazy check Allow performs; no timer drives that transition).
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeExpireCooldown()
	return c.state
}

func (c *CircuitBreaker) maybeExpireCooldown() {
	if c.state == StateOpen && time.Since(c.openedAt) >= c.halfOpenAfter {
		c.state = StateHalfOpen
		c.halfOpenProbes = 0
	}
}

// Allow returns whether a request is permitted right now. In half-open state
// at most maxHalfOpenProbes concurrent callers are admitted, satisfying the
// invariant that a half-open provider receives at most one probe at a time
// when maxHalfOpenProbes==1.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeExpireCooldown()
	switch c.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult records a success or failure outcome and evaluates whether a
// state transition is due.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		if total, failures := c.window.stats(); total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case StateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case StateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case StateOpen:
		// Allow handles timing.
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = StateOpen
	c.openedAt = time.Now()
	meter := otel.GetMeterProvider().Meter("taskmesh")
	counter, _ := meter.Int64Counter("taskmesh_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	c.state = StateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	meter := otel.GetMeterProvider().Meter("taskmesh")
	counter, _ := meter.Int64Counter("taskmesh_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// ForceOpen transitions the breaker directly to open with a fresh cooldown.
// Used by the Provider Registry's recovery path to put a provider that was
// half-open at crash time back into open pending cooldown (spec §4.8 step 3).
func (c *CircuitBreaker) ForceOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionToOpen()
}

type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
	slots    []int64
	nowFn    func() time.Time
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		slots:    make([]int64, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	if slot := now.UnixNano() / w.interval.Nanoseconds(); w.slots[idx] != slot {
		w.data[idx] = bucket{}
		w.slots[idx] = slot
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	current := w.nowFn().UnixNano() / w.interval.Nanoseconds()
	for i, b := range w.data {
		if current-w.slots[i] >= int64(w.buckets) {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
