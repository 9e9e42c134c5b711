// Package notify pushes security alerts to external channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"desagate/internal/audit"
	"desagate/internal/logger"
)

// DefaultTopic is the Kafka topic alerts are published to.
const DefaultTopic = "security-alerts"

// KafkaPublisher sends alerts to Kafka. It implements
// audit.AlertPublisher.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to the brokers.
// Alert volume is low and ordering per coalescing key matters more
// than throughput, so sync beats async here.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating alert producer: %w", err)
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

// Publish sends one alert. The message is keyed by alert type plus
// source so alerts for the same pattern land on the same partition.
func (p *KafkaPublisher) Publish(_ context.Context, a audit.Alert) error {
	msg, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(string(a.Type) + ":" + a.Source),
		Value: sarama.ByteEncoder(msg),
		Headers: []sarama.RecordHeader{
			{Key: []byte("alert-type"), Value: []byte(a.Type)},
			{Key: []byte("severity"), Value: []byte(a.Severity)},
		},
	})
	if err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}

	logger.WithComponent("notify").Debug("alert published",
		"alert_id", a.ID,
		"alert_type", string(a.Type),
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close shuts down the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
