// Package events publishes anomaly events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"behavior-anomaly-engine/models"
)

// Options configures the Kafka publisher.
type Options struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes anomaly events as JSON, keyed by region so that the
// events of one region stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for opts.Topic.
func NewKafkaPublisher(opts Options) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: at least one broker is required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic cannot be empty")
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
	}
	return &KafkaPublisher{writer: writer, topic: opts.Topic}, nil
}

// Publish writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...models.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := encode(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d anomaly events to %s: %w", len(msgs), p.topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(ev models.AnomalyEvent) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal anomaly event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Region),
		Value: data,
		Time:  ev.Timestamp.UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "detector", Value: []byte(ev.Detector)},
		},
	}, nil
}
