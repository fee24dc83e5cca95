package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/model"
)

func newTestWorker(id string, concurrency int, caps ...string) *model.Worker {
	return &model.Worker{
		ID:               id,
		Capabilities:     caps,
		ConcurrencyLimit: concurrency,
		State:            model.WorkerReady,
		LastActive:       time.Now(),
	}
}

func TestReservePicksHighestScoringEligibleWorker(t *testing.T) {
	p := New(time.Minute)
	strong := newTestWorker("strong", 4, "chat")
	weak := newTestWorker("weak", 4, "chat")
	weak.EWMALatencyMs = 20000
	p.Register(strong)
	p.Register(weak)

	w, err := p.Reserve(context.Background(), []string{"chat"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if w.ID != "strong" {
		t.Fatalf("expected strong worker selected, got %s", w.ID)
	}
}

func TestReserveSkipsMissingCapability(t *testing.T) {
	p := New(time.Minute)
	p.Register(newTestWorker("a", 4, "vision"))
	p.Register(newTestWorker("b", 4, "chat"))

	w, err := p.Reserve(context.Background(), []string{"chat"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if w.ID != "b" {
		t.Fatalf("expected b (has chat capability), got %s", w.ID)
	}
}

func TestReserveReturnsErrNoWorkerAtCapacity(t *testing.T) {
	p := New(time.Minute)
	p.Register(newTestWorker("a", 1, "chat"))

	if _, err := p.Reserve(context.Background(), []string{"chat"}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := p.Reserve(context.Background(), []string{"chat"}); err != model.ErrNoWorkerAvailable {
		t.Fatalf("expected ErrNoWorkerAvailable once at capacity, got %v", err)
	}
}

func TestReleaseFreesCapacityAndUpdatesStats(t *testing.T) {
	p := New(time.Minute)
	p.Register(newTestWorker("a", 1, "chat"))

	w, _ := p.Reserve(context.Background(), []string{"chat"})
	p.Release(context.Background(), w.ID, true, 100)

	got, _ := p.Get("a")
	if got.ActiveReservations != 0 {
		t.Fatalf("expected reservation freed, got %d", got.ActiveReservations)
	}
	if got.Successes != 1 {
		t.Fatalf("expected success recorded, got %d", got.Successes)
	}
	if got.State != model.WorkerReady {
		t.Fatalf("expected worker back to ready, got %s", got.State)
	}

	if _, err := p.Reserve(context.Background(), []string{"chat"}); err != nil {
		t.Fatalf("expected reservation to succeed after release: %v", err)
	}
}

func TestDrainExcludesWorkerFromReservation(t *testing.T) {
	p := New(time.Minute)
	p.Register(newTestWorker("a", 4, "chat"))
	p.Drain("a")

	if _, err := p.Reserve(context.Background(), []string{"chat"}); err != model.ErrNoWorkerAvailable {
		t.Fatalf("expected draining worker excluded, got %v", err)
	}
}

func TestDecayLoadReducesIdleWorkerLoad(t *testing.T) {
	p := New(10 * time.Millisecond)
	w := newTestWorker("a", 4, "chat")
	w.Load = 0.5
	w.LastActive = time.Now().Add(-time.Hour)
	p.Register(w)

	p.DecayLoad(time.Now())
	got, _ := p.Get("a")
	if got.Load >= 0.5 {
		t.Fatalf("expected load to decay below 0.5, got %f", got.Load)
	}
}

func TestDecayLoadForceReleasesStuckReservation(t *testing.T) {
	p := New(10 * time.Millisecond)
	w := newTestWorker("a", 4, "chat")
	w.ActiveReservations = 2
	w.Load = 0.5
	w.State = model.WorkerBusy
	w.LastActive = time.Now().Add(-time.Hour)
	p.Register(w)

	p.DecayLoad(time.Now())
	got, _ := p.Get("a")
	if got.ActiveReservations != 0 {
		t.Fatalf("expected stuck reservations force-released, got %d", got.ActiveReservations)
	}
	if got.Load != 0 {
		t.Fatalf("expected load reset after force release, got %f", got.Load)
	}
	if got.Failures != 2 {
		t.Fatalf("expected each stuck reservation counted as a failure, got %d", got.Failures)
	}
	if got.State != model.WorkerReady {
		t.Fatalf("expected worker back to ready after force release, got %s", got.State)
	}

	if _, err := p.Reserve(context.Background(), []string{"chat"}); err != nil {
		t.Fatalf("expected worker reservable again after force release: %v", err)
	}
}
