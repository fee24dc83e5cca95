package providers

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/resilience"
)

func newTestProvider(id string, caps ...string) *model.Provider {
	return &model.Provider{
		ID:               id,
		DailyTokenBudget: 1000,
		LastReset:        time.Now(),
		BreakerConfig: model.BreakerConfig{
			ConsecutiveFailures: 1,
			Window:              time.Second,
			Cooldown:            100 * time.Millisecond,
		},
		Capabilities: caps,
	}
}

func TestSelectPrefersCostModeOrder(t *testing.T) {
	r := New()
	r.Register(newTestProvider("economy", "chat"), 100)
	r.Register(newTestProvider("premium", "chat"), 100)
	r.RegisterCostMode(model.CostMode{Name: "cheap-first", Providers: []string{"economy", "premium"}})

	p, err := r.Select(context.Background(), []string{"chat"}, "cheap-first")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != "economy" {
		t.Fatalf("expected economy selected first, got %s", p.ID)
	}
}

func TestSelectSkipsMissingCapability(t *testing.T) {
	r := New()
	r.Register(newTestProvider("a", "vision"), 100)
	r.Register(newTestProvider("b", "chat"), 100)
	r.RegisterCostMode(model.CostMode{Name: "default", Providers: []string{"a", "b"}})

	p, err := r.Select(context.Background(), []string{"chat"}, "default")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.ID != "b" {
		t.Fatalf("expected b (has chat capability), got %s", p.ID)
	}
}

func TestSelectReturnsNoProviderAvailableWhenAllTrippedOrExhausted(t *testing.T) {
	r := New()
	r.Register(newTestProvider("a", "chat"), 100)
	r.RegisterCostMode(model.CostMode{Name: "default", Providers: []string{"a"}})

	for i := 0; i < 3; i++ {
		r.RecordFailure(context.Background(), "a")
	}

	_, err := r.Select(context.Background(), []string{"chat"}, "default")
	if err != model.ErrNoProviderAvailable {
		t.Fatalf("expected ErrNoProviderAvailable, got %v", err)
	}
}

func TestRecordSuccessConsumesQuota(t *testing.T) {
	r := New()
	r.Register(newTestProvider("a", "chat"), 0)
	r.RegisterCostMode(model.CostMode{Name: "default", Providers: []string{"a"}})

	r.RecordSuccess("a", 900, 50)
	p, ok := r.Get("a")
	if !ok || p.TokensConsumedToday != 900 {
		t.Fatalf("expected 900 tokens consumed, got %+v", p)
	}

	r.RecordSuccess("a", 200, 50)
	_, err := r.Select(context.Background(), []string{"chat"}, "default")
	if err != model.ErrNoProviderAvailable {
		t.Fatalf("expected quota exhaustion to block selection, got %v", err)
	}
}

func TestTickResetsDailyQuotaAfterWindow(t *testing.T) {
	r := New()
	p := newTestProvider("a", "chat")
	p.LastReset = time.Now().Add(-25 * time.Hour)
	p.TokensConsumedToday = 999
	r.Register(p, 0)

	r.Tick(time.Now())
	got, _ := r.Get("a")
	if got.TokensConsumedToday != 0 {
		t.Fatalf("expected quota reset, got %d", got.TokensConsumedToday)
	}
}

func TestForceOpenAllTransitionsHalfOpenProviders(t *testing.T) {
	r := New()
	r.Register(newTestProvider("a", "chat"), 100)
	for i := 0; i < 3; i++ {
		r.RecordFailure(context.Background(), "a")
	}
	time.Sleep(150 * time.Millisecond)
	// one Allow() call transitions the breaker to half-open internally
	r.entries["a"].breaker.Allow()
	if r.entries["a"].breaker.State() != resilience.StateHalfOpen {
		t.Fatalf("expected breaker half-open before ForceOpenAll")
	}

	r.ForceOpenAll()
	r.Tick(time.Now())
	got, _ := r.Get("a")
	if got.Breaker != model.BreakerOpen {
		t.Fatalf("expected breaker forced back to open, got %s", got.Breaker)
	}
}
