package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/core"
	"github.com/kolomiets/tracing-playground/internal/dispatch"
	"github.com/kolomiets/tracing-playground/internal/harness"
	"github.com/kolomiets/tracing-playground/internal/spans"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"github.com/kolomiets/tracing-playground/internal/transport/queue"
	"github.com/kolomiets/tracing-playground/internal/transport/stream"
	"github.com/kolomiets/tracing-playground/internal/transport/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	queueURL = "https://sqs.eu-west-1.amazonaws.com/000000000000/producer-queue"
	topicARN = "arn:aws:sns:eu-west-1:000000000000:consumer-topic"
)

type fixture struct {
	h        *harness.TestHarness
	sqs      *harness.FakeSQS
	sns      *harness.FakeSNS
	kinesis  *harness.FakeKinesis
	producer *core.Producer
	consumer *core.Consumer
}

func newFixture(t *testing.T) (*fixture, func()) {
	h, cleanup := harness.NewTestHarness(t)

	f := &fixture{
		h:       h,
		sqs:     &harness.FakeSQS{},
		sns:     &harness.FakeSNS{},
		kinesis: &harness.FakeKinesis{},
	}

	c := codec.New()
	f.producer = core.NewProducer(c, h.Spans,
		queue.New(f.sqs, queueURL),
		topic.New(f.sns, topicARN),
		stream.New(f.kinesis, "producer-stream", "string"),
	)
	f.consumer = core.NewConsumer(dispatch.New(c, h.Spans, dispatch.Options{}))

	return f, cleanup
}

func payload(data string) []byte {
	return []byte(fmt.Sprintf(`{"data":%q}`, data))
}

// relay republishes what it consumed, the way the queue and stream consumers do.
func relay(f *fixture, source string) dispatch.Handler {
	return func(ctx context.Context, item transport.Item) error {
		var body struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(item.Payload, &body); err != nil {
			return err
		}

		_, err := f.producer.Send(ctx, transport.KindTopic, transport.Message{
			Body: []byte(fmt.Sprintf("Data %s consumed from %s", body.Data, source)),
		})
		return err
	}
}

func assertChain(t *testing.T, chain ...trace.ReadOnlySpan) {
	t.Helper()

	root := chain[0]
	assert.False(t, root.Parent().IsValid(), "%s should be the root", root.Name())

	for i := 1; i < len(chain); i++ {
		assert.Equal(t, root.SpanContext().TraceID(), chain[i].SpanContext().TraceID(), "%s should share the trace id", chain[i].Name())
		assert.Equal(t, chain[i-1].SpanContext().SpanID(), chain[i].Parent().SpanID(), "%s should be a child of %s", chain[i].Name(), chain[i-1].Name())
	}
}

func Test_Producer_SendWithoutContextStartsRoot(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	receipt, err := f.producer.Send(context.Background(), transport.KindQueue, transport.Message{Body: payload("abc")})
	require.NoError(t, err)
	assert.Equal(t, "sqs-msg-1", receipt.MessageID)

	ended := f.h.SpanRecorder.Ended()
	require.Len(t, ended, 1)
	span := ended[0]

	assert.Equal(t, "producing_sqs", span.Name())
	assert.Equal(t, oteltrace.SpanKindProducer, span.SpanKind())
	assert.False(t, span.Parent().IsValid())
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, "sqs-msg-1", harness.ToMap(span.Attributes())["messaging.message.id"])

	require.Len(t, f.sqs.Sent, 1)
	traceparent := aws.ToString(f.sqs.Sent[0].MessageAttributes[codec.TraceParentKey].StringValue)
	want := fmt.Sprintf("00-%s-%s-01", span.SpanContext().TraceID(), span.SpanContext().SpanID())
	assert.Equal(t, want, traceparent, "the message carries the producer span's context")
}

func Test_Producer_SendUnderCurrentSpan(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	ctx, parent := f.h.Spans.StartCurrent(context.Background(), "producing_messages")
	_, err := f.producer.Send(ctx, transport.KindStream, transport.Message{Body: payload("abc")})
	require.NoError(t, err)
	parent.End(spans.OutcomeOK, nil)

	ended := f.h.SpanRecorder.Ended()
	require.Len(t, ended, 2)

	send := harness.FindSpanByName(t, ended, "producing_kinesis")
	outer := harness.FindSpanByName(t, ended, "producing_messages")
	assertChain(t, outer, send)
	assert.Equal(t, "shardId-000000000000", harness.ToMap(send.Attributes())["messaging.destination.partition.id"])
}

func Test_Producer_TransportSendError(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	cause := errors.New("AWS.SimpleQueueService.NonExistentQueue")
	f.sqs.Err = cause

	_, err := f.producer.Send(context.Background(), transport.KindQueue, transport.Message{Body: payload("abc")})

	var sendErr *core.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, transport.KindQueue, sendErr.Kind)
	assert.ErrorIs(t, err, cause)

	ended := f.h.SpanRecorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func Test_Producer_AttributeLimitIsSendError(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	attrs := map[string]string{}
	for i := 0; i < transport.MaxMessageAttributes; i++ {
		attrs[fmt.Sprintf("k%d", i)] = "v"
	}

	_, err := f.producer.Send(context.Background(), transport.KindTopic, transport.Message{Body: []byte("x"), Attributes: attrs})

	assert.ErrorIs(t, err, transport.ErrAttributeLimit)
	assert.Empty(t, f.sns.Published)
}

func Test_Producer_UnknownTransport(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	producer := core.NewProducer(codec.New(), h.Spans)

	_, err := producer.Send(context.Background(), transport.KindQueue, transport.Message{Body: []byte("x")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no publisher configured for sqs")
	assert.Empty(t, h.SpanRecorder.Ended())
}

func Test_Propagation_QueueRelayToTopic(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	// ----------------
	//     arrange
	// ----------------

	_, err := f.producer.Send(context.Background(), transport.KindQueue, transport.Message{Body: payload("abc")})
	require.NoError(t, err)

	// ----------------
	//      act
	// ----------------

	resp := f.consumer.HandleQueue(context.Background(), f.sqs.Event(), relay(f, "SQS queue"))
	require.Empty(t, resp.BatchItemFailures)

	var delivered []string
	err = f.consumer.HandleTopic(context.Background(), f.sns.Event(), func(ctx context.Context, item transport.Item) error {
		delivered = append(delivered, string(item.Payload))
		return nil
	})
	require.NoError(t, err)

	// ----------------
	//     assert
	// ----------------

	assert.Equal(t, []string{"Data abc consumed from SQS queue"}, delivered)

	ended := f.h.SpanRecorder.Ended()
	require.Len(t, ended, 4)

	assertChain(t,
		harness.FindSpanByName(t, ended, "producing_sqs"),
		harness.FindSpanByName(t, ended, "consuming_sqs"),
		harness.FindSpanByName(t, ended, "producing_sns"),
		harness.FindSpanByName(t, ended, "consuming_sns"),
	)
}

func Test_Propagation_StreamRelayToTopic(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	_, err := f.producer.Send(context.Background(), transport.KindStream, transport.Message{Body: payload("xyz")})
	require.NoError(t, err)

	var seen []string
	handler := relay(f, "Kinesis stream")
	resp := f.consumer.HandleStream(context.Background(), f.kinesis.Event(), func(ctx context.Context, item transport.Item) error {
		seen = append(seen, string(item.Payload))
		return handler(ctx, item)
	})
	require.Empty(t, resp.BatchItemFailures)
	require.NoError(t, f.consumer.HandleTopic(context.Background(), f.sns.Event(), func(context.Context, transport.Item) error { return nil }))

	assert.Equal(t, []string{`{"data":"xyz"}`}, seen, "the envelope never reaches the handler")

	ended := f.h.SpanRecorder.Ended()
	require.Len(t, ended, 4)
	assertChain(t,
		harness.FindSpanByName(t, ended, "producing_kinesis"),
		harness.FindSpanByName(t, ended, "consuming_kinesis"),
		harness.FindSpanByName(t, ended, "producing_sns"),
		harness.FindSpanByName(t, ended, "consuming_sns"),
	)
}

func Test_Consumer_QueuePartialFailure(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	for _, data := range []string{"one", "two", "three"} {
		_, err := f.producer.Send(context.Background(), transport.KindQueue, transport.Message{Body: payload(data)})
		require.NoError(t, err)
	}
	event := f.sqs.Event()
	event.Records[1].Body = "{not json"

	resp := f.consumer.HandleQueue(context.Background(), event, relay(f, "SQS queue"))

	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "sqs-msg-2", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Len(t, f.sns.Published, 2, "siblings of the bad item are still relayed")

	consumed := 0
	for _, span := range f.h.SpanRecorder.Ended() {
		if span.Name() == "consuming_sqs" {
			consumed++
		}
	}
	assert.Equal(t, 3, consumed)
}

func Test_Consumer_StreamFailureBySequence(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	for _, data := range []string{"one", "two"} {
		_, err := f.producer.Send(context.Background(), transport.KindStream, transport.Message{Body: payload(data)})
		require.NoError(t, err)
	}
	event := f.kinesis.Event()

	resp := f.consumer.HandleStream(context.Background(), event, func(ctx context.Context, item transport.Item) error {
		if string(item.Payload) == `{"data":"two"}` {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, event.Records[1].Kinesis.SequenceNumber, resp.BatchItemFailures[0].ItemIdentifier)
}

func Test_Consumer_TopicFailure(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	_, err := f.producer.Send(context.Background(), transport.KindTopic, transport.Message{Body: []byte("x")})
	require.NoError(t, err)

	err = f.consumer.HandleTopic(context.Background(), f.sns.Event(), func(context.Context, transport.Item) error {
		return errors.New("rejected")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 items failed")
	assert.Contains(t, err.Error(), "rejected")
}
