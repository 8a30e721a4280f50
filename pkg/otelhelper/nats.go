package otelhelper

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("nats-chatroom")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c *headerCarrier) Get(key string) string { return c.header.Get(key) }

func (c *headerCarrier) Set(key, value string) { c.header.Set(key, value) }

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

// InjectContext returns a nats.Header carrying the trace context from ctx.
func InjectContext(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{header: h})
	return h
}

// ExtractContext returns ctx extended with any trace context found in header.
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{header: header})
}

// TracedPublish publishes a message with trace context propagated in its
// headers, recording a PRODUCER span.
func TracedPublish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	return nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectContext(ctx),
	})
}

// StartConsumerSpan extracts trace context from a received message and opens
// a CONSUMER span. The caller must End the span.
func StartConsumerSpan(ctx context.Context, msg *nats.Msg, operationName string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.Int("messaging.message.payload_size_bytes", len(msg.Data)),
		),
	)
}
