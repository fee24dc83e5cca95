package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/taskmesh/internal/model"
)

type fakeSource struct {
	events []model.Event
}

func (f *fakeSource) Range(ctx context.Context, fromSeq uint64, fn func(model.Event) error) error {
	for _, evt := range f.events {
		if evt.Seq < fromSeq {
			continue
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}

func TestPublishDeliversToMatchingSubscribersOnly(t *testing.T) {
	bus := New(&fakeSource{}, nil)
	ch, cancel := bus.Subscribe([]model.EventType{model.EventTaskSubmitted}, 4)
	defer cancel()

	other, cancelOther := bus.Subscribe([]model.EventType{model.EventTaskFailed}, 4)
	defer cancelOther()

	bus.Publish(context.Background(), model.Event{Seq: 1, Type: model.EventTaskSubmitted})

	select {
	case evt := <-ch:
		if evt.Type != model.EventTaskSubmitted {
			t.Fatalf("unexpected event type %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected matching subscriber to receive event")
	}

	select {
	case evt := <-other:
		t.Fatalf("unexpected delivery to non-matching subscriber: %+v", evt)
	default:
	}
}

func TestSubscribeAllTopicsReceivesEverything(t *testing.T) {
	bus := New(&fakeSource{}, nil)
	ch, cancel := bus.Subscribe(nil, 4)
	defer cancel()

	bus.Publish(context.Background(), model.Event{Seq: 1, Type: model.EventWorkerJoined})
	select {
	case evt := <-ch:
		if evt.Type != model.EventWorkerJoined {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event")
	}
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	bus := New(&fakeSource{}, nil)
	ch, cancel := bus.Subscribe(nil, 1)
	defer cancel()

	bus.Publish(context.Background(), model.Event{Seq: 1, Type: model.EventTaskReady})
	bus.Publish(context.Background(), model.Event{Seq: 2, Type: model.EventTaskReady})

	first := <-ch
	if first.Seq != 1 {
		t.Fatalf("expected first buffered event seq 1, got %d", first.Seq)
	}
	select {
	case <-ch:
		t.Fatalf("expected second event to have been dropped")
	default:
	}
}

func TestSubscribeFromBeginningReplaysHistory(t *testing.T) {
	source := &fakeSource{events: []model.Event{
		{Seq: 1, Type: model.EventTaskSubmitted},
		{Seq: 2, Type: model.EventTaskReady},
		{Seq: 3, Type: model.EventTaskSubmitted},
	}}
	bus := New(source, nil)

	ch, cancel, err := bus.SubscribeFromBeginning(context.Background(), 1, []model.EventType{model.EventTaskSubmitted}, 8)
	if err != nil {
		t.Fatalf("subscribe from beginning: %v", err)
	}
	defer cancel()

	var seqs []uint64
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			seqs = append(seqs, evt.Seq)
		case <-time.After(time.Second):
			t.Fatalf("expected replayed event %d", i)
		}
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 3 {
		t.Fatalf("expected replayed seqs [1 3], got %v", seqs)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New(&fakeSource{}, nil)
	ch, cancel := bus.Subscribe(nil, 1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}
