package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/config"
	"github.com/kolomiets/tracing-playground/internal/core"
	"github.com/kolomiets/tracing-playground/internal/dispatch"
	"github.com/kolomiets/tracing-playground/internal/invoke"
	"github.com/kolomiets/tracing-playground/internal/spans"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"github.com/kolomiets/tracing-playground/internal/transport/queue"
	"github.com/kolomiets/tracing-playground/internal/transport/stream"
	"github.com/kolomiets/tracing-playground/internal/transport/topic"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	InvocationSpanName = "invocation"
	ProducerSpanName   = "producing_messages"
	ProducerEventName  = "important-event"
)

// Clients holds the AWS service clients a role may publish through. A role
// only needs the ones it sends to.
type Clients struct {
	SQS     queue.API
	SNS     topic.API
	Kinesis stream.API
}

type App struct {
	cfg      config.Config
	tp       *sdktrace.TracerProvider
	spans    *spans.Manager
	producer *core.Producer
	consumer *core.Consumer
	metrics  *Metrics
}

type Metrics struct {
	invocations      atomic.Int64
	failedItems      atomic.Int64
	lastInvocationAt atomic.Value // time.Time
}

func (a *App) GetMetrics() (int64, time.Time, int64) {
	lastAt, _ := a.metrics.lastInvocationAt.Load().(time.Time)
	return a.metrics.invocations.Load(), lastAt, a.metrics.failedItems.Load()
}

// payload is the body the producer sends and the relays read back.
type payload struct {
	Data string `json:"data"`
}

// ProduceResult is what a producer invocation returns.
type ProduceResult struct {
	Data           string `json:"data"`
	QueueMessageID string `json:"queue_message_id"`
	StreamSequence string `json:"stream_sequence"`
	StreamShard    string `json:"stream_shard"`
}

func New(ctx context.Context, cfg config.Config, tp *sdktrace.TracerProvider, clients Clients) (*App, error) {
	c := codec.New()
	manager := spans.NewManager(tp)

	var publishers []transport.Publisher

	switch cfg.Function.Role {
	case config.RoleProducer:
		if clients.SQS == nil || clients.Kinesis == nil {
			return nil, fmt.Errorf("role %s needs SQS and Kinesis clients", cfg.Function.Role)
		}

		q := queue.New(clients.SQS, cfg.Transport.QueueURL)
		if cfg.Transport.QueueURL == "" {
			resolved, err := queue.Resolve(ctx, clients.SQS, cfg.Transport.QueueName)
			if err != nil {
				return nil, err
			}
			q = resolved
		}

		publishers = append(publishers, q, stream.New(clients.Kinesis, cfg.Transport.StreamName, cfg.Transport.StreamPartitionKey))

	case config.RoleRelayQueue, config.RoleRelayStream:
		if clients.SNS == nil {
			return nil, fmt.Errorf("role %s needs an SNS client", cfg.Function.Role)
		}
		publishers = append(publishers, topic.New(clients.SNS, cfg.Transport.TopicARN))

	case config.RoleConsumerTopic:
		// Publishes nothing

	default:
		return nil, fmt.Errorf("invalid function role: %s", cfg.Function.Role)
	}

	dispatcher := dispatch.New(c, manager, dispatch.Options{
		Concurrency: cfg.Dispatch.Concurrency,
		Verbose:     cfg.Function.Verbose,
	})

	return &App{
		cfg:      cfg,
		tp:       tp,
		spans:    manager,
		producer: core.NewProducer(c, manager, publishers...),
		consumer: core.NewConsumer(dispatcher),
		metrics:  &Metrics{},
	}, nil
}

// Handler returns the Lambda handler for the configured role.
func (a *App) Handler() any {
	switch a.cfg.Function.Role {
	case config.RoleProducer:
		return a.Produce
	case config.RoleRelayQueue:
		return a.HandleQueue
	case config.RoleRelayStream:
		return a.HandleStream
	default:
		return a.HandleTopic
	}
}

// Invoke decodes a raw delivery event for the configured role and runs it.
func (a *App) Invoke(ctx context.Context, raw []byte) (any, error) {
	switch a.cfg.Function.Role {
	case config.RoleProducer:
		return a.Produce(ctx)

	case config.RoleRelayQueue:
		var event events.SQSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", invoke.ErrBadEvent, err)
		}
		return a.HandleQueue(ctx, event)

	case config.RoleRelayStream:
		var event events.KinesisEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", invoke.ErrBadEvent, err)
		}
		return a.HandleStream(ctx, event)

	default:
		var event events.SNSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("%w: %v", invoke.ErrBadEvent, err)
		}
		return nil, a.HandleTopic(ctx, event)
	}
}

// Produce sends one fresh payload to the queue and to the stream, both under a
// new trace rooted at the producing_messages span.
func (a *App) Produce(ctx context.Context) (ProduceResult, error) {
	var res ProduceResult

	err := a.invocation(ctx, "other", func(ctx context.Context) error {
		data := uuid.NewString()

		ctx, active := a.spans.Start(ctx, trace.SpanContext{}, ProducerSpanName)
		active.AddEvent(ProducerEventName, attribute.String("data", data))

		body, err := json.Marshal(payload{Data: data})
		if err != nil {
			active.End(spans.OutcomeError, err)
			return err
		}

		queueReceipt, err := a.producer.Send(ctx, transport.KindQueue, transport.Message{Body: body})
		if err != nil {
			active.End(spans.OutcomeError, err)
			return err
		}

		streamReceipt, err := a.producer.Send(ctx, transport.KindStream, transport.Message{Body: body})
		if err != nil {
			active.End(spans.OutcomeError, err)
			return err
		}

		active.End(spans.OutcomeOK, nil)

		if a.cfg.Function.Verbose {
			log.Printf("Produced %s (trace %s)", data, active.SpanContext().TraceID())
		}

		res = ProduceResult{
			Data:           data,
			QueueMessageID: queueReceipt.MessageID,
			StreamSequence: streamReceipt.Sequence,
			StreamShard:    streamReceipt.Shard,
		}
		return nil
	})

	return res, err
}

func (a *App) HandleQueue(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse

	err := a.invocation(ctx, "pubsub", func(ctx context.Context) error {
		resp = a.consumer.HandleQueue(ctx, event, a.relay("SQS queue"))
		a.metrics.failedItems.Add(int64(len(resp.BatchItemFailures)))
		return nil
	})

	return resp, err
}

func (a *App) HandleStream(ctx context.Context, event events.KinesisEvent) (events.KinesisEventResponse, error) {
	var resp events.KinesisEventResponse

	err := a.invocation(ctx, "pubsub", func(ctx context.Context) error {
		resp = a.consumer.HandleStream(ctx, event, a.relay("Kinesis stream"))
		a.metrics.failedItems.Add(int64(len(resp.BatchItemFailures)))
		return nil
	})

	return resp, err
}

func (a *App) HandleTopic(ctx context.Context, event events.SNSEvent) error {
	return a.invocation(ctx, "pubsub", func(ctx context.Context) error {
		err := a.consumer.HandleTopic(ctx, event, a.consume)
		if err != nil {
			var joined interface{ Unwrap() []error }
			if errors.As(err, &joined) {
				a.metrics.failedItems.Add(int64(len(joined.Unwrap())))
			}
		}
		return err
	})
}

// relay republishes what arrived from source to the topic. The send runs in the
// item's context, so its span continues the trace the item carried.
func (a *App) relay(source string) dispatch.Handler {
	return func(ctx context.Context, item transport.Item) error {
		data := dataOf(item.Payload)
		msg := transport.Message{Body: []byte(fmt.Sprintf("Data %s consumed from %s", data, source))}

		if _, err := a.producer.Send(ctx, transport.KindTopic, msg); err != nil {
			return err
		}

		if a.cfg.Function.Verbose {
			log.Printf("Relayed %s from %s (trace %s)", data, source, trace.SpanContextFromContext(ctx).TraceID())
		}
		return nil
	}
}

func (a *App) consume(ctx context.Context, item transport.Item) error {
	log.Printf("Received message %s: %s (trace %s)", item.ID, item.Payload, trace.SpanContextFromContext(ctx).TraceID())
	return nil
}

// invocation wraps one handler run in its own span and flushes the provider
// afterwards, even when the invocation context is already cancelled.
func (a *App) invocation(ctx context.Context, trigger string, fn func(ctx context.Context) error) error {
	ctx, active := a.spans.StartCurrent(ctx, InvocationSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("faas.trigger", trigger),
			attribute.String("function.role", a.cfg.Function.Role),
		),
	)

	err := fn(ctx)

	switch {
	case err == nil:
		active.End(spans.OutcomeOK, nil)
	case ctx.Err() != nil:
		active.End(spans.OutcomeCancelled, err)
	default:
		active.End(spans.OutcomeError, err)
	}

	a.metrics.invocations.Add(1)
	a.metrics.lastInvocationAt.Store(time.Now())

	a.flush(ctx)

	return err
}

func (a *App) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Exporter.FlushTimeout)
	defer cancel()

	if err := a.tp.ForceFlush(flushCtx); err != nil {
		log.Printf("Failed to flush spans: %v", err)
	}
}

// Run serves invocations until ctx is done: through the Lambda runtime, or
// through the local invoke server.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Function.RuntimeMode == config.ModeLambda {
		log.Printf("Starting %s in Lambda runtime", a.cfg.Function.Role)
		lambda.StartWithOptions(a.Handler(), lambda.WithContext(ctx))
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := invoke.NewServer(a.cfg.HTTP.Port, a.Invoke, a)

	// The stopper goroutine shuts the server down once ctx is done, whether
	// that is a signal or a serve failure below. Run returns only after it
	// has finished.
	var wg sync.WaitGroup

	errCh := server.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Println("Shutdown signal received")
		server.Stop()
	}()

	err := <-errCh
	cancel()
	wg.Wait()

	return err
}

func dataOf(body []byte) string {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.Data == "" {
		return string(body)
	}
	return p.Data
}
