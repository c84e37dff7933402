package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// FakeSQS records every SendMessage call and can replay them as a delivery event.
type FakeSQS struct {
	mu      sync.Mutex
	Sent    []*sqs.SendMessageInput
	Err     error
	URLs    map[string]string
	counter int
}

func (f *FakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	f.Sent = append(f.Sent, in)
	f.counter++

	return &sqs.SendMessageOutput{MessageId: aws.String(fmt.Sprintf("sqs-msg-%d", f.counter))}, nil
}

func (f *FakeSQS) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	url, ok := f.URLs[aws.ToString(in.QueueName)]
	if !ok {
		return nil, fmt.Errorf("queue does not exist: %s", aws.ToString(in.QueueName))
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

// Event renders the recorded sends the way Lambda would deliver them.
func (f *FakeSQS) Event() events.SQSEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var event events.SQSEvent
	for i, in := range f.Sent {
		attrs := make(map[string]events.SQSMessageAttribute, len(in.MessageAttributes))
		for k, v := range in.MessageAttributes {
			attrs[k] = events.SQSMessageAttribute{
				DataType:    aws.ToString(v.DataType),
				StringValue: v.StringValue,
			}
		}
		event.Records = append(event.Records, events.SQSMessage{
			MessageId:         fmt.Sprintf("sqs-msg-%d", i+1),
			Body:              aws.ToString(in.MessageBody),
			MessageAttributes: attrs,
			EventSourceARN:    "arn:aws:sqs:eu-west-1:000000000000:producer-queue",
		})
	}

	return event
}

// FakeSNS records every Publish call and can replay them as a delivery event.
type FakeSNS struct {
	mu        sync.Mutex
	Published []*sns.PublishInput
	Err       error
}

func (f *FakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	f.Published = append(f.Published, in)

	return &sns.PublishOutput{MessageId: aws.String(fmt.Sprintf("sns-msg-%d", len(f.Published)))}, nil
}

func (f *FakeSNS) Event() events.SNSEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var event events.SNSEvent
	for i, in := range f.Published {
		attrs := make(map[string]interface{}, len(in.MessageAttributes))
		for k, v := range in.MessageAttributes {
			attrs[k] = map[string]interface{}{
				"Type":  aws.ToString(v.DataType),
				"Value": aws.ToString(v.StringValue),
			}
		}
		event.Records = append(event.Records, events.SNSEventRecord{
			EventSource: "aws:sns",
			SNS: events.SNSEntity{
				MessageID:         fmt.Sprintf("sns-msg-%d", i+1),
				TopicArn:          aws.ToString(in.TopicArn),
				Message:           aws.ToString(in.Message),
				MessageAttributes: attrs,
			},
		})
	}

	return event
}

// FakeKinesis records every PutRecord call and can replay them as a delivery event.
type FakeKinesis struct {
	mu  sync.Mutex
	Put []*kinesis.PutRecordInput
	Err error
}

func (f *FakeKinesis) PutRecord(ctx context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	f.Put = append(f.Put, in)

	return &kinesis.PutRecordOutput{
		SequenceNumber: aws.String(sequenceNumber(len(f.Put))),
		ShardId:        aws.String("shardId-000000000000"),
	}, nil
}

func (f *FakeKinesis) Event() events.KinesisEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var event events.KinesisEvent
	for i, in := range f.Put {
		seq := sequenceNumber(i + 1)
		event.Records = append(event.Records, events.KinesisEventRecord{
			EventID:        "shardId-000000000000:" + seq,
			EventSource:    "aws:kinesis",
			EventSourceArn: "arn:aws:kinesis:eu-west-1:000000000000:stream/" + aws.ToString(in.StreamName),
			Kinesis: events.KinesisRecord{
				Data:           in.Data,
				PartitionKey:   aws.ToString(in.PartitionKey),
				SequenceNumber: seq,
			},
		})
	}

	return event
}

func sequenceNumber(n int) string {
	return fmt.Sprintf("4959%020d", n)
}
