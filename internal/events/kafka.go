package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// FlushInterval bounds how long a write waits for its batch to fill. The
// writer is synchronous, so this is added to every publish.
const FlushInterval = 10 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes pairing events keyed by offer id, so every event of
// one offer lands on the same partition in order.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: newWriter(brokers, topic), timeout: 2 * time.Second}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: FlushInterval,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e PairingEvent) error {
	return k.PublishBatch(ctx, []PairingEvent{e})
}

// PublishBatch writes evs in a single produce call.
func (k *KafkaPublisher) PublishBatch(ctx context.Context, evs []PairingEvent) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, e := range evs {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode pairing event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.OfferID), Value: b})
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
