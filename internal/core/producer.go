package core

import (
	"context"
	"fmt"

	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/spans"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SendError is returned when a transport refuses or fails to deliver a message.
type SendError struct {
	Kind transport.Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send via %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Producer struct {
	codec      *codec.Codec
	spans      *spans.Manager
	publishers map[transport.Kind]transport.Publisher
}

func NewProducer(c *codec.Codec, m *spans.Manager, publishers ...transport.Publisher) *Producer {
	p := &Producer{
		codec:      c,
		spans:      m,
		publishers: make(map[transport.Kind]transport.Publisher, len(publishers)),
	}
	for _, pub := range publishers {
		p.publishers[pub.Kind()] = pub
	}
	return p
}

// SpanName is the name of the span opened around each send via kind.
func SpanName(kind transport.Kind) string {
	return "producing_" + string(kind)
}

// Send publishes msg via the transport of the given kind. The send gets its own
// producer span, a child of the span in ctx if there is one (the relay case) or
// a new root otherwise, and that span's context is what travels with the message.
func (p *Producer) Send(ctx context.Context, kind transport.Kind, msg transport.Message) (transport.Receipt, error) {
	publisher, ok := p.publishers[kind]
	if !ok {
		return transport.Receipt{}, fmt.Errorf("no publisher configured for %s", kind)
	}

	ctx, active := p.spans.StartCurrent(ctx, SpanName(kind),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_"+string(kind)),
			attribute.String("messaging.operation", "publish"),
			attribute.Int("messaging.message.body.size", len(msg.Body)),
		),
	)

	receipt, err := publisher.Publish(ctx, msg, p.codec.Inject(active.SpanContext()))
	if err != nil {
		sendErr := &SendError{Kind: kind, Err: err}
		active.End(spans.OutcomeError, sendErr)
		return transport.Receipt{}, sendErr
	}

	attrs := []attribute.KeyValue{}
	if receipt.MessageID != "" {
		attrs = append(attrs, attribute.String("messaging.message.id", receipt.MessageID))
	}
	if receipt.Sequence != "" {
		attrs = append(attrs, attribute.String("messaging.message.sequence", receipt.Sequence))
	}
	if receipt.Shard != "" {
		attrs = append(attrs, attribute.String("messaging.destination.partition.id", receipt.Shard))
	}
	active.End(spans.OutcomeOK, nil, attrs...)

	return receipt, nil
}
