package model

import "time"

// BreakerState mirrors the provider's circuit-breaker state machine
// (closed -> open -> half-open -> closed|open), spec §3 Provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// PriorityClass buckets a provider by cost tier for cost-mode selection.
type PriorityClass string

const (
	ClassEconomy  PriorityClass = "economy"
	ClassBalanced PriorityClass = "balanced"
	ClassPremium  PriorityClass = "premium"
)

// BreakerConfig holds the per-provider circuit-breaker parameters from spec
// §3/§6: consecutive-failure threshold within a window, and cooldown.
type BreakerConfig struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Window              time.Duration `json:"window"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Provider is an external LLM endpoint identity tracked by the registry.
type Provider struct {
	ID                 string        `json:"id"`
	Endpoint           string        `json:"endpoint"`
	CostPerToken       float64       `json:"cost_per_token"`
	DailyTokenBudget   int64         `json:"daily_token_budget"`
	TokensConsumedToday int64        `json:"tokens_consumed_today"`
	RollingRequests    int64         `json:"rolling_requests"`
	RollingFailures    int64         `json:"rolling_failures"`
	LastReset          time.Time     `json:"last_reset"`
	Breaker            BreakerState  `json:"breaker"`
	BreakerConfig      BreakerConfig `json:"breaker_config"`
	PriorityClass      PriorityClass `json:"priority_class"`
	Capabilities       []string      `json:"capabilities,omitempty"`
	EWMALatencyMs      float64       `json:"ewma_latency_ms"`
}

// RemainingQuota reports the tokens still available today.
func (p Provider) RemainingQuota() int64 {
	r := p.DailyTokenBudget - p.TokensConsumedToday
	if r < 0 {
		return 0
	}
	return r
}

// CostMode is a named, ordered preference set over provider IDs.
type CostMode struct {
	Name      string   `json:"name"`
	Providers []string `json:"providers"` // in preference order
	Classes   []PriorityClass `json:"classes,omitempty"`
}

// Clone returns a copy safe to hand out of the registry.
func (p Provider) Clone() Provider {
	c := p
	if p.Capabilities != nil {
		c.Capabilities = append([]string(nil), p.Capabilities...)
	}
	return c
}
