// Package workerpool is the C5 Worker Pool: tracks typed workers, their
// current load, and capability sets, and reserves the best-scoring eligible
// worker for a ready task (spec §4.5). The reservation/release lifecycle and
// semaphore-style capacity accounting follow the teacher's worker pool
// pattern in other_examples (RevCBH-choo's internal/worker Pool.Submit/Wait
// using a buffered channel as a concurrency semaphore), generalized here
// from "submit and block for a free slot" to "reserve the single
// best-scoring worker right now or report none available", since the
// Scheduler must not block a dispatch loop waiting for capacity.
package workerpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/model"
)

const (
	weightSuccessRate = 0.4
	weightLatency     = 0.3
	weightLoad        = 0.3

	// normalizationLatencyMs caps the latency term so one very slow worker
	// does not dominate the normalized score.
	normalizationLatencyMs = 30000.0

	loadDecayPerTick = 0.1
)

// Pool tracks registered workers and brokers reservations against them.
type Pool struct {
	mu          sync.Mutex
	workers     map[string]*model.Worker
	idleTimeout time.Duration

	reservations metric.Int64Counter
	releases     metric.Int64Counter
	noWorker     metric.Int64Counter
}

// New constructs an empty Pool. idleTimeout controls how long a worker must
// be inactive before DecayLoad begins reducing its reported load.
func New(idleTimeout time.Duration) *Pool {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	reservations, _ := meter.Int64Counter("taskmesh_workerpool_reservations_total")
	releases, _ := meter.Int64Counter("taskmesh_workerpool_releases_total")
	noWorker, _ := meter.Int64Counter("taskmesh_workerpool_no_worker_total")
	return &Pool{
		workers:      make(map[string]*model.Worker),
		idleTimeout:  idleTimeout,
		reservations: reservations,
		releases:     releases,
		noWorker:     noWorker,
	}
}

// Register adds or replaces a worker record.
func (p *Pool) Register(w *model.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.State == "" {
		w.State = model.WorkerReady
	}
	p.workers[w.ID] = w
}

// Remove deletes a worker outright; used when a worker process has exited.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Drain marks a worker as draining: it keeps its existing reservations but
// becomes ineligible for new ones until explicitly re-registered as ready.
func (p *Pool) Drain(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return false
	}
	w.State = model.WorkerDraining
	return true
}

// Reserve picks the highest-scoring eligible worker for requiredCapabilities
// and atomically bumps its load/reservation count. Eligibility requires
// ready or idle state, full capability coverage, and spare concurrency.
func (p *Pool) Reserve(ctx context.Context, requiredCapabilities []string) (*model.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *model.Worker
	var bestScore float64 = -1

	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		w := p.workers[id]
		if w.State != model.WorkerReady && w.State != model.WorkerIdle {
			continue
		}
		if !w.CanExecute(requiredCapabilities) {
			continue
		}
		if w.ActiveReservations >= w.ConcurrencyLimit {
			continue
		}
		score := weightedScore(w)
		if score > bestScore {
			bestScore = score
			best = w
		}
	}

	if best == nil {
		p.noWorker.Add(ctx, 1)
		return nil, model.ErrNoWorkerAvailable
	}

	best.ActiveReservations++
	best.LastActive = time.Now()
	if best.ConcurrencyLimit > 0 {
		best.Load = float64(best.ActiveReservations) / float64(best.ConcurrencyLimit)
	}
	if best.ActiveReservations >= best.ConcurrencyLimit {
		best.State = model.WorkerBusy
	}
	p.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", best.ID)))
	return best, nil
}

func weightedScore(w *model.Worker) float64 {
	successTerm := w.SuccessRate()
	normalizedLatency := w.EWMALatencyMs / normalizationLatencyMs
	if normalizedLatency > 1 {
		normalizedLatency = 1
	}
	latencyTerm := 1 - normalizedLatency
	loadTerm := 1 - w.Load
	return successTerm*weightSuccessRate + latencyTerm*weightLatency + loadTerm*weightLoad
}

// Release returns a previously reserved worker slot, recording the outcome
// and latency of the work that just finished.
func (p *Pool) Release(ctx context.Context, workerID string, success bool, latencyMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	if w.ActiveReservations > 0 {
		w.ActiveReservations--
	}
	if success {
		w.Successes++
	} else {
		w.Failures++
	}
	const ewmaAlpha = 0.2
	if w.EWMALatencyMs == 0 {
		w.EWMALatencyMs = latencyMs
	} else {
		w.EWMALatencyMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*w.EWMALatencyMs
	}
	w.LastActive = time.Now()
	if w.ConcurrencyLimit > 0 {
		w.Load = float64(w.ActiveReservations) / float64(w.ConcurrencyLimit)
	}
	if w.State == model.WorkerBusy && w.ActiveReservations < w.ConcurrencyLimit {
		w.State = model.WorkerReady
	}
	p.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", workerID)))
}

// DecayLoad is the heartbeat-timeout sweep (spec §4.5, §6): a worker with
// outstanding reservations that hasn't reported activity within idleTimeout
// is presumed to have lost the heartbeat on those in-flight tasks, so its
// reservations are force-released (counted as failures, same as a returned
// error) and the worker is put back up for scoring rather than left looking
// permanently busy. A worker with no outstanding reservations instead just
// decays its residual load a fixed fraction per tick.
func (p *Pool) DecayLoad(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if now.Sub(w.LastActive) < p.idleTimeout {
			continue
		}
		if w.ActiveReservations > 0 {
			w.Failures += int64(w.ActiveReservations)
			w.ActiveReservations = 0
			w.Load = 0
			w.LastActive = now
			if w.State == model.WorkerBusy {
				w.State = model.WorkerReady
			}
			continue
		}
		w.Load -= loadDecayPerTick
		if w.Load < 0 {
			w.Load = 0
		}
	}
}

// Get returns a copy of the worker record for id.
func (p *Pool) Get(id string) (model.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return model.Worker{}, false
	}
	return w.Clone(), true
}

// Len returns the number of registered workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
