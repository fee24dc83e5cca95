package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/model"
)

var propagator = propagation.TraceContext{}

// NATSSink forwards bus events to a NATS subject, injecting the current
// trace context into message headers the same way the teacher's natsctx
// package does around individual publish calls.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink wraps an established NATS connection as a Sink.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// Forward publishes evt as JSON with a traceparent header.
func (s *NATSSink) Forward(ctx context.Context, evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event for nats forward: %w", err)
	}
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	return s.conn.PublishMsg(msg)
}

// SubscribeNATS wraps conn.Subscribe, extracting the traceparent header and
// starting a consumer span per message, mirroring natsctx.Subscribe.
func SubscribeNATS(conn *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return conn.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("taskmesh-eventbus")
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
