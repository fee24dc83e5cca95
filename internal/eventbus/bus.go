// Package eventbus is the C7 Event Bus: in-process pub/sub over the same
// event types recorded in the durable store, with topic filtering, replay
// from a given sequence, and per-subscriber backpressure (spec §4.7). The
// trace-propagating publish/subscribe wrapper is adapted from the teacher's
// libs/go/core/natsctx package, generalized from "one NATS connection" to
// "any number of in-process channel subscribers plus an optional NATS
// forwarding sink" for the external-forwarding supplemental feature noted
// in SPEC_FULL.md.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/model"
)

// EventSource is the durable log backing replay; internal/store.Store
// satisfies this.
type EventSource interface {
	Range(ctx context.Context, fromSeq uint64, fn func(model.Event) error) error
}

type subscription struct {
	id     uint64
	topics map[model.EventType]bool
	ch     chan model.Event
}

func (s *subscription) matches(t model.EventType) bool {
	if len(s.topics) == 0 {
		return true
	}
	return s.topics[t]
}

// Bus fans out published events to in-process subscribers and, optionally,
// an external forwarding sink.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	source EventSource
	sink   Sink

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// Sink forwards events to an external system (e.g. NATS); failures are
// logged by Publish and never block publication.
type Sink interface {
	Forward(ctx context.Context, evt model.Event) error
}

// New constructs a Bus backed by source for replay. sink may be nil.
func New(source EventSource, sink Sink) *Bus {
	meter := otel.GetMeterProvider().Meter("taskmesh")
	published, _ := meter.Int64Counter("taskmesh_eventbus_published_total")
	dropped, _ := meter.Int64Counter("taskmesh_eventbus_dropped_total")
	return &Bus{
		subs:      make(map[uint64]*subscription),
		source:    source,
		sink:      sink,
		published: published,
		dropped:   dropped,
	}
}

// Publish fans evt out to every matching subscriber without blocking; a
// subscriber whose buffer is full has the event dropped and a drop counter
// incremented rather than stalling the publisher (spec §4.7 backpressure).
// It does not itself append to the durable store — callers append first and
// pass in the already-sequenced event, keeping a single writer of record.
func (b *Bus) Publish(ctx context.Context, evt model.Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(evt.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))
		}
	}

	if b.sink != nil {
		go func() {
			if err := b.sink.Forward(ctx, evt); err != nil {
				slog.Warn("eventbus: sink forward failed", "type", evt.Type, "seq", evt.Seq, "error", err)
			}
		}()
	}
}

func (b *Bus) addSubscriber(topics []model.EventType, bufferSize int) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := atomic.AddUint64(&b.nextID, 1)
	topicSet := make(map[model.EventType]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	sub := &subscription{id: id, topics: topicSet, ch: make(chan model.Event, bufferSize)}
	b.subs[id] = sub
	return sub
}

func (b *Bus) cancelFor(id uint64) func() {
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
}

// Subscribe registers a new channel subscriber over topics (nil/empty means
// all topics), returning a receive channel and a cancel function.
func (b *Bus) Subscribe(topics []model.EventType, bufferSize int) (<-chan model.Event, func()) {
	sub := b.addSubscriber(topics, bufferSize)
	return sub.ch, b.cancelFor(sub.id)
}

// SubscribeFromBeginning registers a subscriber and replays every event
// from fromSeq through the durable store before handing control back,
// subject to the same backpressure as live publication — once bufferSize
// events are waiting, each further replayed event is dropped (the earliest
// ones stay buffered) rather than blocking.
func (b *Bus) SubscribeFromBeginning(ctx context.Context, fromSeq uint64, topics []model.EventType, bufferSize int) (<-chan model.Event, func(), error) {
	sub := b.addSubscriber(topics, bufferSize)
	cancel := b.cancelFor(sub.id)

	err := b.source.Range(ctx, fromSeq, func(evt model.Event) error {
		if !sub.matches(evt.Type) {
			return nil
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(evt.Type)), attribute.String("phase", "replay")))
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return sub.ch, cancel, nil
}

// SubCount reports the number of active subscribers, for diagnostics.
func (b *Bus) SubCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
