package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
	"agentmesh/internal/domain/services"
)

// KafkaPublisherConfig configures the outbound bridge
type KafkaPublisherConfig struct {
	Brokers []string
	Topic   string
	// Types restricts the bridge to matching event type prefixes; empty
	// forwards everything
	Types  []string
	Logger common.Logger
}

// KafkaPublisher mirrors bus events onto a Kafka topic so external fleets can
// observe the orchestrator. Delivery is fire-and-forget: a broker outage never
// stalls in-process publication.
type KafkaPublisher struct {
	writer *kafka.Writer
	config KafkaPublisherConfig
	logger common.Logger
}

// NewKafkaPublisher creates the bridge
func NewKafkaPublisher(config KafkaPublisherConfig) *KafkaPublisher {
	if config.Logger == nil {
		config.Logger = common.NopLogger{}
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &KafkaPublisher{writer: writer, config: config, logger: config.Logger}
}

// Middleware returns the bus middleware that mirrors events after publication
func (p *KafkaPublisher) Middleware() *services.BusMiddleware {
	return &services.BusMiddleware{
		Name: "kafka-publisher",
		AfterPublish: func(ctx context.Context, event *entities.Event) {
			if !p.wants(event.Type) {
				return
			}
			p.forward(ctx, event)
		},
	}
}

func (p *KafkaPublisher) wants(eventType string) bool {
	if len(p.config.Types) == 0 {
		return true
	}
	for _, prefix := range p.config.Types {
		if len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (p *KafkaPublisher) forward(ctx context.Context, event *entities.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode event for kafka", err, "event_id", event.ID)
		return
	}
	message := kafka.Message{
		// keying by correlation id keeps chains on one partition, preserving
		// their relative order for downstream consumers
		Key:   []byte(event.Metadata.CorrelationID.String()),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error("Failed to forward event to kafka", err, "event_id", event.ID, "event_type", event.Type)
	}
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
