package spans

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kolomiets/tracing-playground"

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Manager starts spans as children of extracted contexts (or as new roots) and
// makes sure each one is ended once. The provider is passed in rather than read
// from the otel global so tests and invocations stay isolated.
type Manager struct {
	tracer trace.Tracer
}

func NewManager(tp trace.TracerProvider) *Manager {
	return &Manager{tracer: tp.Tracer(instrumentationName)}
}

// Active is a started span owned by a single dispatch unit.
type Active struct {
	span trace.Span
	once sync.Once
}

// Start opens a span named name. A valid parent makes it a child of that
// (remote) context. Otherwise it is a new root with a freshly generated trace
// id, even if ctx already carries a span. A span in ctx that is not the parent,
// typically the invocation span, is linked instead.
func (m *Manager) Start(ctx context.Context, parent trace.SpanContext, name string, opts ...trace.SpanStartOption) (context.Context, *Active) {
	current := trace.SpanContextFromContext(ctx)

	if parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	if current.IsValid() && !current.Equal(parent) {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: current}))
	}

	ctx, span := m.tracer.Start(ctx, name, opts...)

	return ctx, &Active{span: span}
}

// StartCurrent opens a span under whatever span ctx already carries, or a new
// root when it carries none.
func (m *Manager) StartCurrent(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, *Active) {
	ctx, span := m.tracer.Start(ctx, name, opts...)
	return ctx, &Active{span: span}
}

func (a *Active) SpanContext() trace.SpanContext {
	return a.span.SpanContext()
}

func (a *Active) SetAttributes(attrs ...attribute.KeyValue) {
	a.span.SetAttributes(attrs...)
}

func (a *Active) AddEvent(name string, attrs ...attribute.KeyValue) {
	a.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End finalizes the span. Only the first call has any effect.
func (a *Active) End(outcome Outcome, err error, attrs ...attribute.KeyValue) {
	a.once.Do(func() {
		a.span.SetAttributes(attrs...)

		switch outcome {
		case OutcomeOK:
			a.span.SetStatus(codes.Ok, "")
		case OutcomeCancelled:
			a.span.SetAttributes(attribute.Bool("dispatch.cancelled", true))
			if err != nil {
				a.span.RecordError(err)
			}
			a.span.SetStatus(codes.Error, "cancelled")
		default:
			description := ""
			if err != nil {
				a.span.RecordError(err)
				description = err.Error()
			}
			a.span.SetStatus(codes.Error, description)
		}

		a.span.End()
	})
}
