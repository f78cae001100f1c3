package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes BillingEvent JSON keyed by customer id, so one customer's
// events stay ordered on a partition.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	nowFn  func() time.Time
}

// NewKafkaWriter builds the producer for brokers.
func NewKafkaWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, nil
}

// NewKafkaNotifier publishes to topic through writer.
func NewKafkaNotifier(writer MessageWriter, topic string, now func() time.Time) (*KafkaNotifier, error) {
	if writer == nil {
		return nil, fmt.Errorf("kafka notifier requires a writer")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka notifier requires a topic")
	}
	if now == nil {
		now = time.Now
	}
	return &KafkaNotifier{writer: writer, topic: topic, nowFn: now}, nil
}

func (notifier *KafkaNotifier) Notify(ctx context.Context, notification billing.Notification) error {
	occurredAt := notifier.nowFn().UTC()
	payload, err := json.Marshal(NewBillingEvent(notification, occurredAt))
	if err != nil {
		return fmt.Errorf("encode billing event: %w", err)
	}
	err = notifier.writer.WriteMessages(ctx, kafka.Message{
		Topic: notifier.topic,
		Key:   []byte(notification.CustomerID.String()),
		Value: payload,
		Time:  occurredAt,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(notification.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish billing event: %w", err)
	}
	return nil
}

func (notifier *KafkaNotifier) Close() error {
	return notifier.writer.Close()
}
