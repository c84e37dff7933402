// Package queue adapts SQS: the carrier travels as native message attributes.
package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/transport"
)

const stringDataType = "String"

// API is the slice of the SQS client the adapter needs.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

type Adapter struct {
	client   API
	queueURL string
}

func New(client API, queueURL string) *Adapter {
	return &Adapter{client: client, queueURL: queueURL}
}

// Resolve builds an adapter from a queue name, looking up its URL.
func Resolve(ctx context.Context, client API, queueName string) (*Adapter, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %s: %w", queueName, err)
	}

	return New(client, aws.ToString(out.QueueUrl)), nil
}

func (a *Adapter) Kind() transport.Kind { return transport.KindQueue }

func (a *Adapter) QueueURL() string { return a.queueURL }

// Attach maps the carrier 1:1 onto string message attributes.
func (a *Adapter) Attach(msg transport.Message, carrier codec.Carrier) (*sqs.SendMessageInput, error) {
	if err := transport.CheckAttributeBudget(msg.Attributes, carrier, transport.MaxMessageAttributes); err != nil {
		return nil, err
	}

	attrs := make(map[string]types.MessageAttributeValue, len(msg.Attributes)+len(carrier))
	for k, v := range msg.Attributes {
		attrs[k] = stringAttribute(v)
	}
	for k, v := range carrier {
		attrs[k] = stringAttribute(v)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(a.queueURL),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if msg.Key != "" {
		in.MessageGroupId = aws.String(msg.Key)
	}

	return in, nil
}

func (a *Adapter) Send(ctx context.Context, in *sqs.SendMessageInput) (transport.Receipt, error) {
	out, err := a.client.SendMessage(ctx, in)
	if err != nil {
		return transport.Receipt{}, err
	}

	return transport.Receipt{
		Kind:      transport.KindQueue,
		MessageID: aws.ToString(out.MessageId),
		Sequence:  aws.ToString(out.SequenceNumber),
	}, nil
}

func (a *Adapter) Publish(ctx context.Context, msg transport.Message, carrier codec.Carrier) (transport.Receipt, error) {
	in, err := a.Attach(msg, carrier)
	if err != nil {
		return transport.Receipt{}, err
	}

	return a.Send(ctx, in)
}

// ExtractBatch yields one item per record. SQS gives no ordering guarantee
// across a standard queue batch, so the batch is unordered.
func ExtractBatch(event events.SQSEvent) transport.Batch {
	items := make([]transport.Item, 0, len(event.Records))

	for _, record := range event.Records {
		carrier := codec.Carrier{}
		attrs := make(map[string]string, len(record.MessageAttributes))

		for name, attr := range record.MessageAttributes {
			if attr.StringValue == nil {
				continue
			}
			if name == codec.TraceParentKey || name == codec.TraceStateKey {
				carrier[name] = *attr.StringValue
				continue
			}
			attrs[name] = *attr.StringValue
		}

		items = append(items, transport.Item{
			ID:         record.MessageId,
			Payload:    []byte(record.Body),
			Carrier:    carrier,
			Attributes: attrs,
			Sequence:   record.Attributes["SequenceNumber"],
			Source:     record.EventSourceARN,
		})
	}

	return transport.Batch{Kind: transport.KindQueue, Items: items}
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String(stringDataType),
		StringValue: aws.String(v),
	}
}
