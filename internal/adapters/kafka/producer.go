package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"openattribution/pkg/logger"
)

// Producer handles Kafka message publishing
type Producer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// NewProducer creates a new Kafka producer for a single topic
func NewProducer(cfg ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
		Async:    false, // Synchronous by default for reliability
	}

	return &Producer{
		writer: writer,
		log:    logger.Get().With("component", "kafka_producer", "topic", cfg.Topic),
	}
}

// Publish sends a JSON-encoded message keyed by key
func (p *Producer) Publish(ctx context.Context, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Errorf("Failed to publish %s: %v", key, err)
		return err
	}

	p.log.Debugf("Published %s", key)
	return nil
}

// Close closes the underlying writer
func (p *Producer) Close() error {
	return p.writer.Close()
}
