package core

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/kolomiets/tracing-playground/internal/dispatch"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"github.com/kolomiets/tracing-playground/internal/transport/queue"
	"github.com/kolomiets/tracing-playground/internal/transport/stream"
	"github.com/kolomiets/tracing-playground/internal/transport/topic"
)

// Consumer turns Lambda delivery events into dispatched batches and reports
// failures back in the shape each event source expects.
type Consumer struct {
	dispatcher *dispatch.Dispatcher
}

func NewConsumer(d *dispatch.Dispatcher) *Consumer {
	return &Consumer{dispatcher: d}
}

// HandleQueue reports failed message ids so SQS redelivers only those.
func (c *Consumer) HandleQueue(ctx context.Context, event events.SQSEvent, handler dispatch.Handler) events.SQSEventResponse {
	result := c.dispatcher.Dispatch(ctx, queue.ExtractBatch(event), handler)
	logResult(transport.KindQueue, result)

	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, f := range result.Failures {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: f.Item.ID})
	}
	return resp
}

// HandleStream reports failed records by sequence number, which is how Kinesis
// identifies the checkpoint to resume from.
func (c *Consumer) HandleStream(ctx context.Context, event events.KinesisEvent, handler dispatch.Handler) events.KinesisEventResponse {
	result := c.dispatcher.Dispatch(ctx, stream.ExtractBatch(event), handler)
	logResult(transport.KindStream, result)

	resp := events.KinesisEventResponse{BatchItemFailures: []events.KinesisBatchItemFailure{}}
	for _, f := range result.Failures {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: f.Item.Sequence})
	}
	return resp
}

// HandleTopic returns an error when any notification failed. SNS has no
// partial batch response, so the whole delivery is retried.
func (c *Consumer) HandleTopic(ctx context.Context, event events.SNSEvent, handler dispatch.Handler) error {
	result := c.dispatcher.Dispatch(ctx, topic.ExtractBatch(event), handler)
	logResult(transport.KindTopic, result)

	if err := result.Err(); err != nil {
		return fmt.Errorf("sns delivery: %w", err)
	}
	return nil
}

func logResult(kind transport.Kind, result dispatch.Result) {
	if len(result.Failures) == 0 {
		return
	}

	log.Printf("Processed %s batch: %d succeeded, %d failed", kind, result.Succeeded(), len(result.Failures))
	for _, f := range result.Failures {
		log.Printf("Item %s failed: %v", f.Item.ID, f.Err)
	}
}
