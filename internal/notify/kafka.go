package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

// DefaultTopic receives one message per succeeded payment.
const DefaultTopic = "successful_payments"

type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaNotifier publishes receipts keyed by user id.
type KafkaNotifier struct {
	producer producer
	topic    string
}

// NewKafkaNotifier connects a producer to bootstrapServers.
func NewKafkaNotifier(bootstrapServers, topic string) (*KafkaNotifier, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaNotifier(p, topic), nil
}

func newKafkaNotifier(p producer, topic string) *KafkaNotifier {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaNotifier{producer: p, topic: topic}
}

func (k *KafkaNotifier) PaymentSucceeded(ctx context.Context, r Receipt) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	delivery := make(chan kafka.Event, 1)
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(r.UserID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "payment_id", Value: []byte(r.PaymentID)}},
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce payment event: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver payment event: %w", m.TopicPartition.Error)
		}
		log.WithFields(log.Fields{
			"topic":      k.topic,
			"payment_id": r.PaymentID,
			"offset":     m.TopicPartition.Offset.String(),
		}).Debug("Payment event published")
		return nil
	}
}

// Close flushes outstanding messages and releases the producer.
func (k *KafkaNotifier) Close() {
	if remaining := k.producer.Flush(5000); remaining > 0 {
		log.WithField("remaining", remaining).Warn("Kafka producer closed with undelivered messages")
	}
	k.producer.Close()
}
