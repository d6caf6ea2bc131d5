package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	ClientID     string
	BatchTimeout time.Duration
}

// KafkaPublisher emits events to a Kafka topic keyed by request id, so all
// events for one signing request land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("audit: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "esign.signing-events"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	transport := kafka.DefaultTransport
	if cfg.ClientID != "" {
		transport = &kafka.Transport{ClientID: cfg.ClientID}
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshaling event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("audit: publishing event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
