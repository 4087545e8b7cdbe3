package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"estate-chat/internal/observability"
)

// Publisher publishes domain and audit events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher or a noop publisher when AMQP is disabled.
func NewPublisher(amqpURL, exchange string, logger *slog.Logger) Publisher {
	if amqpURL == "" {
		logger.Warn("rabbitmq disabled, using noop", "reason", "empty amqp url")
		return NewNoopPublisher("empty amqp url", logger)
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		return NewNoopPublisher(err.Error(), logger)
	}

	ch, err := conn.Channel()
	if err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		_ = conn.Close()
		return NewNoopPublisher(err.Error(), logger)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		logger.Warn("rabbitmq disabled, using noop", "error", err)
		_ = ch.Close()
		_ = conn.Close()
		return NewNoopPublisher(err.Error(), logger)
	}

	logger.Info("rabbitmq connected", "exchange", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	for key, value := range observability.HeadersFromContext(ctx) {
		headers[key] = value
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		observability.IncPublishError("amqp")
		p.logger.Error("rabbitmq publish failed", "routing_key", routingKey, "error", err)
	}
	return err
}

func (p *amqpPublisher) Mode() string { return "amqp" }

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
	logger *slog.Logger
}

// NewNoopPublisher returns a publisher that only logs what it would have sent.
func NewNoopPublisher(reason string, logger *slog.Logger) Publisher {
	return noopPublisher{reason: reason, logger: logger}
}

func (p noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	attrs := []any{"routing_key", routingKey}
	if typed, ok := event.(interface{ Kind() string }); ok {
		attrs = append(attrs, "event_type", typed.Kind())
	}
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	p.logger.Debug("noop publish", attrs...)
	return nil
}

func (noopPublisher) Mode() string { return "noop" }

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher backend for logging. Publishers from other packages
// report theirs through a Mode method.
func PublisherMode(p Publisher) string {
	if typed, ok := p.(interface{ Mode() string }); ok {
		return typed.Mode()
	}
	return "unknown"
}

// PublisherNoopReason explains why events are being dropped, or is empty for a live backend.
func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
