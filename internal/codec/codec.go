// Package codec serializes a span context to and from the string carrier that
// rides alongside a message. The wire format is W3C Trace Context, so any
// compliant extractor (a collector, a consumer written in another language)
// can read what we write.
package codec

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceParentKey = "traceparent"

	// TraceStateKey holds the W3C tracestate list: comma-separated
	// key=value members, e.g. "congo=t61rcWkgMzE,rojo=00f067aa0ba902b7".
	TraceStateKey = "tracestate"

	// MaxFields is the number of carrier slots the codec may occupy on a message.
	MaxFields = 2
)

var (
	ErrNoCarrier        = errors.New("no trace context in carrier")
	ErrMalformedCarrier = errors.New("malformed trace context in carrier")
)

// Carrier is the transport-neutral form of a serialized trace context.
type Carrier map[string]string

func (c Carrier) Get(key string) string { return c[key] }

func (c Carrier) Set(key, value string) { c[key] = value }

func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = Carrier(nil)

type Codec struct {
	propagator propagation.TextMapPropagator
}

func New() *Codec {
	return &Codec{propagator: propagation.TraceContext{}}
}

// Fields lists the only keys Inject ever writes.
func (c *Codec) Fields() []string {
	return c.propagator.Fields()
}

// Inject serializes sc. An invalid span context yields an empty carrier.
// Only the sampled bit of the trace flags is written: it is the only flag
// version 00 of traceparent defines, and compliant extractors reject others.
func (c *Codec) Inject(sc trace.SpanContext) Carrier {
	carrier := Carrier{}
	if !sc.IsValid() {
		return carrier
	}

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	c.propagator.Inject(ctx, carrier)

	return carrier
}

// Decode is Extract with the reason spelled out, for callers that log it.
func (c *Codec) Decode(carrier Carrier) (trace.SpanContext, error) {
	if carrier == nil || carrier[TraceParentKey] == "" {
		return trace.SpanContext{}, ErrNoCarrier
	}

	ctx := c.propagator.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return trace.SpanContext{}, ErrMalformedCarrier
	}

	return sc, nil
}

// Extract returns false when the carrier is absent, empty or malformed. The
// caller starts a new root trace in that case; it is never an error.
func (c *Codec) Extract(carrier Carrier) (trace.SpanContext, bool) {
	sc, err := c.Decode(carrier)
	return sc, err == nil
}
