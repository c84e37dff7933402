// Package transport defines the transport-neutral shapes that flow between the
// per-transport adapters and the dispatcher, plus the capability interface every
// adapter implements for the outbound direction.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/kolomiets/tracing-playground/internal/codec"
)

type Kind string

const (
	KindQueue  Kind = "sqs"
	KindTopic  Kind = "sns"
	KindStream Kind = "kinesis"
)

// MaxMessageAttributes is the per-message attribute limit shared by SQS and SNS.
const MaxMessageAttributes = 10

var ErrAttributeLimit = errors.New("message attribute limit exceeded")

// Message is an outgoing work item before it is attached to a transport.
type Message struct {
	Body       []byte
	Attributes map[string]string

	// Key is the partition key (stream) or message group id (FIFO queue).
	Key string
}

// Item is one record from an inbound delivery with its carrier already separated
// from the payload.
type Item struct {
	ID           string
	Payload      []byte
	Carrier      codec.Carrier
	Attributes   map[string]string
	Sequence     string
	PartitionKey string
	Source       string
}

type Batch struct {
	Kind  Kind
	Items []Item

	// Ordered batches must be processed in delivery order.
	Ordered bool
}

// Receipt acknowledges a successful send.
type Receipt struct {
	Kind      Kind
	MessageID string
	Sequence  string
	Shard     string
}

// Publisher attaches a carrier to a message and sends it.
type Publisher interface {
	Kind() Kind
	Publish(ctx context.Context, msg Message, carrier codec.Carrier) (Receipt, error)
}

// CheckAttributeBudget fails when the application attributes plus the carrier
// would not fit in a transport's attribute limit, or when they collide.
func CheckAttributeBudget(attrs map[string]string, carrier codec.Carrier, limit int) error {
	for key := range carrier {
		if _, ok := attrs[key]; ok {
			return fmt.Errorf("attribute %q is reserved for trace propagation", key)
		}
	}

	if n := len(attrs) + len(carrier); n > limit {
		return fmt.Errorf("%w: %d attributes, limit is %d", ErrAttributeLimit, n, limit)
	}

	return nil
}
