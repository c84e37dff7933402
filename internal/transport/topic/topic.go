// Package topic adapts SNS. Attribute mapping matches the queue adapter; a relay
// that republishes what it consumed passes its own consumer context in, so the
// trace continues through the extra hop instead of restarting.
package topic

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/kolomiets/tracing-playground/internal/codec"
	"github.com/kolomiets/tracing-playground/internal/transport"
)

const stringDataType = "String"

type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Adapter struct {
	client   API
	topicARN string
}

func New(client API, topicARN string) *Adapter {
	return &Adapter{client: client, topicARN: topicARN}
}

func (a *Adapter) Kind() transport.Kind { return transport.KindTopic }

func (a *Adapter) Attach(msg transport.Message, carrier codec.Carrier) (*sns.PublishInput, error) {
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

	in := &sns.PublishInput{
		TopicArn:          aws.String(a.topicARN),
		Message:           aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if msg.Key != "" {
		in.MessageGroupId = aws.String(msg.Key)
	}

	return in, nil
}

func (a *Adapter) Send(ctx context.Context, in *sns.PublishInput) (transport.Receipt, error) {
	out, err := a.client.Publish(ctx, in)
	if err != nil {
		return transport.Receipt{}, err
	}

	return transport.Receipt{
		Kind:      transport.KindTopic,
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

// ExtractBatch reads the carrier back out of the notification attributes, which
// Lambda delivers as {"Type": "String", "Value": "..."} objects.
func ExtractBatch(event events.SNSEvent) transport.Batch {
	items := make([]transport.Item, 0, len(event.Records))

	for _, record := range event.Records {
		carrier := codec.Carrier{}
		attrs := make(map[string]string, len(record.SNS.MessageAttributes))

		for name, raw := range record.SNS.MessageAttributes {
			value, ok := stringValue(raw)
			if !ok {
				continue
			}
			if name == codec.TraceParentKey || name == codec.TraceStateKey {
				carrier[name] = value
				continue
			}
			attrs[name] = value
		}

		items = append(items, transport.Item{
			ID:         record.SNS.MessageID,
			Payload:    []byte(record.SNS.Message),
			Carrier:    carrier,
			Attributes: attrs,
			Source:     record.SNS.TopicArn,
		})
	}

	return transport.Batch{Kind: transport.KindTopic, Items: items}
}

func stringValue(raw interface{}) (string, bool) {
	attr, ok := raw.(map[string]interface{})
	if !ok {
		return "", false
	}

	if typ, _ := attr["Type"].(string); typ != stringDataType {
		return "", false
	}

	value, ok := attr["Value"].(string)
	return value, ok
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String(stringDataType),
		StringValue: aws.String(v),
	}
}
