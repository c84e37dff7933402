package queue_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/harness"
	"github.com/kolomiets/tracing-playground/internal/transport"
	"github.com/kolomiets/tracing-playground/internal/transport/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const queueURL = "https://sqs.eu-west-1.amazonaws.com/000000000000/producer-queue"

func sampleContext(t *testing.T) trace.SpanContext {
	t.Helper()
	tid, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("b7ad6b7169203331")
	require.NoError(t, err)
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
}

func Test_Attach_MapsCarrierOntoAttributes(t *testing.T) {
	adapter := queue.New(&harness.FakeSQS{}, queueURL)
	carrier := codec.New().Inject(sampleContext(t))

	in, err := adapter.Attach(transport.Message{
		Body:       []byte(`{"data":"abc"}`),
		Attributes: map[string]string{"tenant": "acme"},
	}, carrier)
	require.NoError(t, err)

	assert.Equal(t, queueURL, aws.ToString(in.QueueUrl))
	assert.Equal(t, `{"data":"abc"}`, aws.ToString(in.MessageBody))
	assert.Nil(t, in.MessageGroupId)
	require.Len(t, in.MessageAttributes, 2)
	assert.Equal(t, "String", aws.ToString(in.MessageAttributes[codec.TraceParentKey].DataType))
	assert.Equal(t, carrier[codec.TraceParentKey], aws.ToString(in.MessageAttributes[codec.TraceParentKey].StringValue))
	assert.Equal(t, "acme", aws.ToString(in.MessageAttributes["tenant"].StringValue))
}

func Test_Attach_GroupIDFromKey(t *testing.T) {
	adapter := queue.New(&harness.FakeSQS{}, queueURL+".fifo")

	in, err := adapter.Attach(transport.Message{Body: []byte("x"), Key: "group-1"}, codec.Carrier{})
	require.NoError(t, err)

	assert.Equal(t, "group-1", aws.ToString(in.MessageGroupId))
}

func Test_Attach_AttributeLimit(t *testing.T) {
	adapter := queue.New(&harness.FakeSQS{}, queueURL)

	attrs := map[string]string{}
	for i := 0; i < transport.MaxMessageAttributes; i++ {
		attrs[fmt.Sprintf("attr-%d", i)] = "v"
	}

	_, err := adapter.Attach(transport.Message{Body: []byte("x"), Attributes: attrs}, codec.New().Inject(sampleContext(t)))

	assert.ErrorIs(t, err, transport.ErrAttributeLimit)
}

func Test_Publish_PropagatesSendError(t *testing.T) {
	client := &harness.FakeSQS{Err: errors.New("throttled")}
	adapter := queue.New(client, queueURL)

	_, err := adapter.Publish(context.Background(), transport.Message{Body: []byte("x")}, codec.Carrier{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func Test_Publish_ReturnsReceipt(t *testing.T) {
	client := &harness.FakeSQS{}
	adapter := queue.New(client, queueURL)

	receipt, err := adapter.Publish(context.Background(), transport.Message{Body: []byte("x")}, codec.Carrier{})
	require.NoError(t, err)

	assert.Equal(t, transport.KindQueue, receipt.Kind)
	assert.Equal(t, "sqs-msg-1", receipt.MessageID)
	require.Len(t, client.Sent, 1)
}

func Test_Resolve(t *testing.T) {
	client := &harness.FakeSQS{URLs: map[string]string{"producer-queue": queueURL}}

	adapter, err := queue.Resolve(context.Background(), client, "producer-queue")
	require.NoError(t, err)
	assert.Equal(t, queueURL, adapter.QueueURL())

	_, err = queue.Resolve(context.Background(), client, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to resolve queue missing")
}

func Test_ExtractBatch_RoundTrip(t *testing.T) {
	client := &harness.FakeSQS{}
	adapter := queue.New(client, queueURL)
	c := codec.New()
	sc := sampleContext(t)

	for _, body := range []string{"one", "two", "three"} {
		_, err := adapter.Publish(context.Background(), transport.Message{
			Body:       []byte(body),
			Attributes: map[string]string{"tenant": "acme"},
		}, c.Inject(sc))
		require.NoError(t, err)
	}

	batch := queue.ExtractBatch(client.Event())

	assert.Equal(t, transport.KindQueue, batch.Kind)
	assert.False(t, batch.Ordered)
	require.Len(t, batch.Items, 3)
	for i, item := range batch.Items {
		assert.Equal(t, fmt.Sprintf("sqs-msg-%d", i+1), item.ID)
		assert.Equal(t, map[string]string{"tenant": "acme"}, item.Attributes, "carrier keys are not application attributes")

		got, ok := c.Extract(item.Carrier)
		require.True(t, ok)
		assert.Equal(t, sc.TraceID(), got.TraceID())
		assert.Equal(t, sc.SpanID(), got.SpanID())
	}
	assert.Equal(t, []byte("two"), batch.Items[1].Payload)
}

func Test_ExtractBatch_NoAttributes(t *testing.T) {
	batch := queue.ExtractBatch(events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m-1", Body: "plain"},
		{MessageId: "m-2", Body: "binary", MessageAttributes: map[string]events.SQSMessageAttribute{
			codec.TraceParentKey: {DataType: "Binary", BinaryValue: []byte("x")},
		}},
	}})

	require.Len(t, batch.Items, 2)
	for _, item := range batch.Items {
		assert.Empty(t, item.Carrier)
	}
}
