package messaging

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
	"agentmesh/internal/domain/services"
)

// KafkaConsumerConfig configures the inbound bridge
type KafkaConsumerConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
	Logger  common.Logger
}

// KafkaConsumer ingests events published by external agent fleets — heartbeat
// reports, remote task results — and republishes them on the in-process bus.
type KafkaConsumer struct {
	group  sarama.ConsumerGroup
	bus    *services.EventBus
	config KafkaConsumerConfig
	logger common.Logger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewKafkaConsumer creates the bridge
func NewKafkaConsumer(config KafkaConsumerConfig, bus *services.EventBus) (*KafkaConsumer, error) {
	if config.Logger == nil {
		config.Logger = common.NopLogger{}
	}
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, common.WrapError(err, common.InternalError, "KAFKA_CONSUMER", "failed to create consumer group")
	}
	return &KafkaConsumer{
		group:  group,
		bus:    bus,
		config: config,
		logger: config.Logger,
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins consuming in the background until Close is called
func (c *KafkaConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.doneCh)
		handler := &consumerHandler{consumer: c}
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.config.Topics, handler); err != nil {
				c.logger.Error("Kafka consume session ended", err)
			}
		}
	}()
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("Kafka consumer error", err)
		}
	}()
}

// Close stops the consumer and waits for the session to end
func (c *KafkaConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.doneCh
	}
	return c.group.Close()
}

type consumerHandler struct {
	consumer *KafkaConsumer
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim republishes every readable message on the bus. Undecodable
// messages are logged and skipped; they would never become valid on retry.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		event := &entities.Event{}
		if err := json.Unmarshal(message.Value, event); err != nil {
			h.consumer.logger.Warn("Discarding undecodable kafka message",
				"topic", message.Topic, "offset", message.Offset, "error", err.Error())
			session.MarkMessage(message, "")
			continue
		}
		causation := event.ID
		_, err := h.consumer.bus.Publish(session.Context(), event.Type, event.Payload, &services.PublishOptions{
			Source:        event.Source,
			Target:        event.Target,
			CorrelationID: event.Metadata.CorrelationID,
			CausationID:   &causation,
			Priority:      event.Metadata.Priority,
		})
		if err != nil {
			h.consumer.logger.Error("Failed to republish kafka event", err, "event_type", event.Type)
		}
		session.MarkMessage(message, "")
	}
	return nil
}
