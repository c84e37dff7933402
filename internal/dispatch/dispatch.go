// Package dispatch runs a handler over every item of an inbound batch, each
// item under its own span resumed from its own carrier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/spans"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Handler processes one item. ctx carries the item's span.
type Handler func(ctx context.Context, item transport.Item) error

// HandlerError wraps whatever made a handler fail, including a recovered panic.
type HandlerError struct {
	ItemID string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for item %s: %v", e.ItemID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type Failure struct {
	Index int
	Item  transport.Item
	Err   error
}

type Result struct {
	Total    int
	Failures []Failure
}

func (r Result) Succeeded() int {
	return r.Total - len(r.Failures)
}

// FailedIDs lists the transport record ids of failed items, in batch order.
func (r Result) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.Item.ID)
	}
	return ids
}

// Err joins every failure, or returns nil when the whole batch succeeded.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return fmt.Errorf("%d of %d items failed: %w", len(r.Failures), r.Total, errors.Join(errs...))
}

type Options struct {
	// Concurrency bounds parallel handlers for unordered batches. Values below
	// 2 mean sequential processing. Ordered batches are always sequential.
	Concurrency int

	Verbose bool
}

type Dispatcher struct {
	codec   *codec.Codec
	spans   *spans.Manager
	options Options
}

func New(c *codec.Codec, m *spans.Manager, opts Options) *Dispatcher {
	return &Dispatcher{codec: c, spans: m, options: opts}
}

// SpanName is the name of the span opened for each item of a batch of kind.
func SpanName(kind transport.Kind) string {
	return "consuming_" + string(kind)
}

// Dispatch processes every item of batch. It never stops early: a bad carrier,
// a failing handler or a panic affects only the item it happened on. Items not
// started before ctx is done get a cancelled span and are reported failed.
func (d *Dispatcher) Dispatch(ctx context.Context, batch transport.Batch, handler Handler) Result {
	result := Result{Total: len(batch.Items)}

	var mu sync.Mutex
	record := func(f Failure) {
		mu.Lock()
		result.Failures = append(result.Failures, f)
		mu.Unlock()
	}

	if batch.Ordered || d.options.Concurrency < 2 {
		for i, item := range batch.Items {
			if err := d.process(ctx, batch, i, item, handler); err != nil {
				record(Failure{Index: i, Item: item, Err: err})
			}
		}
		return result
	}

	var g errgroup.Group
	g.SetLimit(d.options.Concurrency)

	for i, item := range batch.Items {
		g.Go(func() error {
			if err := d.process(ctx, batch, i, item, handler); err != nil {
				record(Failure{Index: i, Item: item, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Failures, func(a, b int) bool {
		return result.Failures[a].Index < result.Failures[b].Index
	})

	return result
}

func (d *Dispatcher) process(ctx context.Context, batch transport.Batch, index int, item transport.Item, handler Handler) (err error) {
	parent, decodeErr := d.codec.Decode(item.Carrier)
	if errors.Is(decodeErr, codec.ErrMalformedCarrier) {
		log.Printf("Malformed trace context on %s item %s, starting a new trace", batch.Kind, item.ID)
	} else if decodeErr != nil && d.options.Verbose {
		log.Printf("VERBOSE: No trace context on %s item %s, starting a new trace", batch.Kind, item.ID)
	}

	itemCtx, active := d.spans.Start(ctx, parent, SpanName(batch.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(itemAttributes(batch, index, item)...),
	)
	if decodeErr != nil {
		active.SetAttributes(attribute.Bool("trace.context.missing", true))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		active.End(spans.OutcomeCancelled, ctxErr)
		return &HandlerError{ItemID: item.ID, Err: ctxErr}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{ItemID: item.ID, Err: fmt.Errorf("panic: %v", r)}
		}

		switch {
		case err == nil:
			active.End(spans.OutcomeOK, nil)
		case ctx.Err() != nil:
			active.End(spans.OutcomeCancelled, err)
		default:
			active.End(spans.OutcomeError, err)
		}
	}()

	if handlerErr := handler(itemCtx, item); handlerErr != nil {
		return &HandlerError{ItemID: item.ID, Err: handlerErr}
	}

	return nil
}

func itemAttributes(batch transport.Batch, index int, item transport.Item) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", messagingSystem(batch.Kind)),
		attribute.String("messaging.operation", "process"),
		attribute.String("messaging.message.id", item.ID),
		attribute.Int("messaging.batch.message_count", len(batch.Items)),
		attribute.Int("messaging.batch.index", index),
	}
	if item.Source != "" {
		attrs = append(attrs, attribute.String("messaging.source.arn", item.Source))
	}
	if item.Sequence != "" {
		attrs = append(attrs, attribute.String("messaging.message.sequence", item.Sequence))
	}
	if item.PartitionKey != "" {
		attrs = append(attrs, attribute.String("messaging.partition.key", item.PartitionKey))
	}
	return attrs
}

func messagingSystem(kind transport.Kind) string {
	return "aws_" + string(kind)
}
