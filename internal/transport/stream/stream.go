// Package stream adapts Kinesis. Records carry no attributes, so the carrier is
// embedded in a JSON envelope next to the payload and stripped on the way out.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/transport"
)

// TraceField is the reserved envelope field holding the carrier.
const TraceField = "_trace"

// envelope always carries both fields, so a record written by Wrap is told
// apart from foreign JSON that happens to have a "data" key.
type envelope struct {
	Trace codec.Carrier `json:"_trace"`
	Data  []byte        `json:"data"`
}

type API interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type Adapter struct {
	client       API
	streamName   string
	partitionKey string
}

// New returns an adapter writing to streamName. An empty partitionKey means
// each record gets a random one unless the message sets its own.
func New(client API, streamName, partitionKey string) *Adapter {
	return &Adapter{client: client, streamName: streamName, partitionKey: partitionKey}
}

func (a *Adapter) Kind() transport.Kind { return transport.KindStream }

// Attach wraps the payload in an envelope. Message attributes have nowhere to
// go on a stream record and are rejected rather than silently dropped.
func (a *Adapter) Attach(msg transport.Message, carrier codec.Carrier) (*kinesis.PutRecordInput, error) {
	if len(msg.Attributes) > 0 {
		return nil, fmt.Errorf("%w: stream records carry no attributes", transport.ErrAttributeLimit)
	}

	data, err := Wrap(msg.Body, carrier)
	if err != nil {
		return nil, err
	}

	key := msg.Key
	if key == "" {
		key = a.partitionKey
	}
	if key == "" {
		key = uuid.NewString()
	}

	return &kinesis.PutRecordInput{
		StreamName:   aws.String(a.streamName),
		Data:         data,
		PartitionKey: aws.String(key),
	}, nil
}

func (a *Adapter) Send(ctx context.Context, in *kinesis.PutRecordInput) (transport.Receipt, error) {
	out, err := a.client.PutRecord(ctx, in)
	if err != nil {
		return transport.Receipt{}, err
	}

	return transport.Receipt{
		Kind:     transport.KindStream,
		Sequence: aws.ToString(out.SequenceNumber),
		Shard:    aws.ToString(out.ShardId),
	}, nil
}

func (a *Adapter) Publish(ctx context.Context, msg transport.Message, carrier codec.Carrier) (transport.Receipt, error) {
	in, err := a.Attach(msg, carrier)
	if err != nil {
		return transport.Receipt{}, err
	}

	return a.Send(ctx, in)
}

// Wrap encodes body and carrier into a record envelope. The payload is
// base64-encoded inside the JSON so arbitrary bytes survive.
func Wrap(body []byte, carrier codec.Carrier) ([]byte, error) {
	if carrier == nil {
		carrier = codec.Carrier{}
	}

	data, err := json.Marshal(envelope{Trace: carrier, Data: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream envelope: %w", err)
	}

	return data, nil
}

// Unwrap splits a record into payload and carrier. Only an object with exactly
// the _trace and data keys is an envelope. Anything else (written by a producer
// unaware of propagation) comes back untouched with an empty carrier.
func Unwrap(data []byte) ([]byte, codec.Carrier) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return data, codec.Carrier{}
	}

	_, hasTrace := raw[TraceField]
	_, hasData := raw["data"]
	if !hasTrace || !hasData || len(raw) != 2 {
		return data, codec.Carrier{}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return data, codec.Carrier{}
	}

	if env.Trace == nil {
		env.Trace = codec.Carrier{}
	}

	return env.Data, env.Trace
}

// ExtractBatch keeps records in delivery order and preserves each record's
// sequence number and partition key.
func ExtractBatch(event events.KinesisEvent) transport.Batch {
	items := make([]transport.Item, 0, len(event.Records))

	for _, record := range event.Records {
		payload, carrier := Unwrap(record.Kinesis.Data)

		items = append(items, transport.Item{
			ID:           record.EventID,
			Payload:      payload,
			Carrier:      carrier,
			Sequence:     record.Kinesis.SequenceNumber,
			PartitionKey: record.Kinesis.PartitionKey,
			Source:       record.EventSourceArn,
		})
	}

	return transport.Batch{Kind: transport.KindStream, Items: items, Ordered: true}
}
