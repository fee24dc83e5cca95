// Package providers is the C4 Provider Registry: health, quota, cost, and
// circuit-breaker tracking for external LLM providers, selecting among them
// under a named cost mode and required capability set (spec §4.4). It wires
// internal/resilience's CircuitBreaker (per-provider trip/cooldown) and
// RateLimiter (daily token quota) the way the teacher wires them around
// individual outbound calls, generalized here to whole-provider accounting.
package providers

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/resilience"
)

type entry struct {
	provider *model.Provider
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter
	caps     map[string]bool
}

// Registry tracks every known provider and selects among them for dispatch.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	costModes map[string]model.CostMode

	selections  metric.Int64Counter
	exhausted   metric.Int64Counter
	breakerTrip metric.Int64Counter
}

// New constructs an empty Registry.
func New() *Registry {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	selections, _ := meter.Int64Counter("taskmesh_provider_selections_total")
	exhausted, _ := meter.Int64Counter("taskmesh_provider_quota_exhausted_total")
	breakerTrip, _ := meter.Int64Counter("taskmesh_provider_breaker_trips_total")
	return &Registry{
		entries:     make(map[string]*entry),
		costModes:   make(map[string]model.CostMode),
		selections:  selections,
		exhausted:   exhausted,
		breakerTrip: breakerTrip,
	}
}

// Register adds or replaces a provider, constructing fresh resilience
// primitives from its breaker config and daily budget.
func (r *Registry) Register(p *model.Provider, fillRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowBuckets := 10
	minSamples := p.BreakerConfig.ConsecutiveFailures
	if minSamples <= 0 {
		minSamples = 5
	}
	breaker := resilience.NewCircuitBreaker(
		p.BreakerConfig.Window, windowBuckets, minSamples, 0.5,
		p.BreakerConfig.Cooldown, 1,
	)
	limiter := resilience.NewRateLimiter(p.DailyTokenBudget, fillRate, 24*time.Hour, p.DailyTokenBudget)

	caps := make(map[string]bool, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps[c] = true
	}

	r.entries[p.ID] = &entry{provider: p, breaker: breaker, limiter: limiter, caps: caps}
}

// RegisterCostMode stores a named, ordered provider preference set.
func (r *Registry) RegisterCostMode(mode model.CostMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costModes[mode.Name] = mode
}

// Select picks the best available provider satisfying requiredCapabilities
// under costMode's preference order, skipping providers whose breaker is
// open or whose quota is exhausted. Returns model.ErrNoProviderAvailable if
// none qualify.
func (r *Registry) Select(ctx context.Context, requiredCapabilities []string, costMode string) (*model.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mode, ok := r.costModes[costMode]
	var candidateIDs []string
	if ok {
		candidateIDs = mode.Providers
	} else {
		for id := range r.entries {
			candidateIDs = append(candidateIDs, id)
		}
		sort.Strings(candidateIDs)
	}

	for _, id := range candidateIDs {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		if !hasAllCapabilities(e.caps, requiredCapabilities) {
			continue
		}
		if !e.breaker.Allow() {
			continue
		}
		if e.limiter.Remaining() <= 0 || e.provider.RemainingQuota() <= 0 {
			r.exhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id)))
			continue
		}
		r.selections.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id)))
		return e.provider, nil
	}
	return nil, model.ErrNoProviderAvailable
}

// RecordSuccess records a successful call against providerID, consuming
// tokensUsed from its daily quota and updating its latency EWMA.
func (r *Registry) RecordSuccess(providerID string, tokensUsed int64, latencyMs float64) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.breaker.RecordResult(true)
	e.limiter.AllowN(tokensUsed)

	r.mu.Lock()
	e.provider.TokensConsumedToday += tokensUsed
	e.provider.RollingRequests++
	e.provider.Breaker = model.BreakerState(e.breaker.State().String())
	const ewmaAlpha = 0.2
	if e.provider.EWMALatencyMs == 0 {
		e.provider.EWMALatencyMs = latencyMs
	} else {
		e.provider.EWMALatencyMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*e.provider.EWMALatencyMs
	}
	r.mu.Unlock()
}

// RecordFailure records a failed call against providerID, tripping its
// breaker if the failure rate crosses threshold.
func (r *Registry) RecordFailure(ctx context.Context, providerID string) {
	r.mu.RLock()
	e, ok := r.entries[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	before := e.breaker.State()
	e.breaker.RecordResult(false)
	after := e.breaker.State()

	r.mu.Lock()
	e.provider.RollingRequests++
	e.provider.RollingFailures++
	e.provider.Breaker = model.BreakerState(after.String())
	r.mu.Unlock()

	if before != resilience.StateOpen && after == resilience.StateOpen {
		r.breakerTrip.Add(ctx, 1, attributeProvider(providerID))
	}
}

func attributeProvider(id string) metric.AddOption {
	return metric.WithAttributes(attribute.String("provider", id))
}

// Tick performs periodic housekeeping: rolling a provider's daily quota and
// rolling counters over once 24 hours have passed since its last reset, and
// refreshing every provider's externally visible breaker state (which moves
// an open breaker to half-open once its cooldown has elapsed) (spec §4.4).
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if now.Sub(e.provider.LastReset) >= 24*time.Hour {
			e.provider.TokensConsumedToday = 0
			e.provider.RollingRequests = 0
			e.provider.RollingFailures = 0
			e.provider.LastReset = now
			e.limiter.ResetDaily()
		}
		e.provider.Breaker = model.BreakerState(e.breaker.State().String())
	}
}

// ForceOpenAll transitions every half-open breaker directly to open pending
// cooldown; closed and open breakers are left as they are. Used by the
// Recovery Manager to restore half-open providers to a safe
// state after a crash (spec §4.8 step 3).
func (r *Registry) ForceOpenAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.breaker.State() == resilience.StateHalfOpen {
			e.breaker.ForceOpen()
		}
	}
}

// Get returns a copy of the provider record for id.
func (r *Registry) Get(id string) (model.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Provider{}, false
	}
	return e.provider.Clone(), true
}

func hasAllCapabilities(have map[string]bool, required []string) bool {
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}
