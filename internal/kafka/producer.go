package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"

	"estate-chat/internal/observability"
)

// Keyed events choose their own partition key so that one conversation stays ordered.
type Keyed interface {
	PartitionKey() string
}

// Producer publishes JSON events to Kafka, one topic per routing key.
type Producer struct {
	sync        sarama.SyncProducer
	topicPrefix string
	logger      *slog.Logger
}

// NewProducer dials the brokers with an idempotent synchronous producer.
func NewProducer(brokers []string, topicPrefix string, cfg *sarama.Config, logger *slog.Logger) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewProducerFromSync(sync, topicPrefix, logger), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(sync sarama.SyncProducer, topicPrefix string, logger *slog.Logger) *Producer {
	return &Producer{sync: sync, topicPrefix: topicPrefix, logger: logger}
}

// Mode names the backend in startup logs and the debug endpoint.
func (p *Producer) Mode() string { return "kafka" }

// Publish marshals event and sends it to topicPrefix+routingKey.
func (p *Producer) Publish(ctx context.Context, routingKey string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var hs []sarama.RecordHeader
	for k, v := range observability.HeadersFromContext(ctx) {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg := &sarama.ProducerMessage{
		Topic:   p.topicPrefix + routingKey,
		Value:   sarama.ByteEncoder(payload),
		Headers: hs,
	}
	if keyed, ok := event.(Keyed); ok && keyed.PartitionKey() != "" {
		msg.Key = sarama.StringEncoder(keyed.PartitionKey())
	}
	if _, _, err := p.sync.SendMessage(msg); err != nil {
		observability.IncPublishError("kafka")
		p.logger.Error("kafka publish failed", "topic", msg.Topic, "error", err)
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}
