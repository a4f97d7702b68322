package settlement

import (
	"context"
	"encoding/json"
	"time"

	skafka "github.com/segmentio/kafka-go"

	railpay "github.com/tigerhub/railpay"
)

// Order event types published after a fulfillment attempt completes.
const (
	EventOrderFulfilled = "order.fulfilled"
	EventOrderFailed    = "order.failed"
)

// OrderEvent is the message pushed to downstream consumers (delivery
// bots, analytics) once a charge reaches a terminal fulfillment state.
type OrderEvent struct {
	Type      string            `json:"type"`
	ChargeKey string            `json:"chargeKey"`
	InvoiceID string            `json:"invoiceId"`
	ProductID railpay.ProductID `json:"productId"`
	Rail      railpay.Rail      `json:"rail"`
	ResultURI string            `json:"resultUri,omitempty"`
	Error     string            `json:"error,omitempty"`
	At        time.Time         `json:"at"`
}

// Publisher is the interface used to publish order events.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
	Close() error
}

// Writer defines the subset of the kafka writer the publisher needs,
// which keeps it testable with a fake.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher publishes order events to a kafka topic.
type KafkaPublisher struct {
	writer Writer
}

// NewKafkaPublisher creates a publisher writing to the given broker
// and topic.
func NewKafkaPublisher(brokerURL, topic string) *KafkaPublisher {
	w := &skafka.Writer{
		Addr:     skafka.TCP(brokerURL),
		Topic:    topic,
		Balancer: &skafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish marshals the value to JSON and writes a message keyed by the
// charge key, so consumers see all events for one charge in order.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, skafka.Message{Key: []byte(key), Value: b})
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Ensure KafkaPublisher implements Publisher
var _ Publisher = (*KafkaPublisher)(nil)
