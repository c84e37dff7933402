package harness

import (
	"context"
	"testing"

	"github.com/kolomiets/tracing-playground/internal/spans"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type TestHarness struct {
	Provider     *trace.TracerProvider
	Spans        *spans.Manager
	SpanRecorder *tracetest.SpanRecorder
}

// NewTestHarness wires an in-memory span recorder into a provider that is
// handed to the code under test explicitly; the global provider is untouched.
func NewTestHarness(t *testing.T) (*TestHarness, func()) {
	sr := tracetest.NewSpanRecorder() // in-memory
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	harness := &TestHarness{
		Provider:     tp,
		Spans:        spans.NewManager(tp),
		SpanRecorder: sr,
	}

	cleanup := func() {
		_ = tp.Shutdown(context.Background())
	}

	return harness, cleanup
}

// FindSpanByName searches a slice of spans for the first one with a matching name.
func FindSpanByName(t *testing.T, spans []trace.ReadOnlySpan, name string) trace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	require.FailNowf(t, "span not found", "Could not find span with name: %s", name)

	return nil // unreachable
}

// FindSpanByMessageID searches a slice of spans for the first one with a matching "messaging.message.id" attribute.
func FindSpanByMessageID(t *testing.T, spans []trace.ReadOnlySpan, id string) trace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		attrs := ToMap(s.Attributes())
		if got, ok := attrs[attribute.Key("messaging.message.id")]; ok && got == id {
			return s
		}
	}
	require.FailNowf(t, "span not found", "Could not find span for message: %s", id)
	return nil // Unreachable
}

// ToMap converts a slice of KeyValue to a map for easier lookups in tests.
func ToMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.Emit()
	}
	return m
}
