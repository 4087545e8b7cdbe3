package telemetry

import (
	"context"
	"log/slog"
	"time"

	"estate-chat/internal/models"
)

const (
	RoutingMessageSent         = "chat.message.sent"
	RoutingConversationStarted = "chat.conversation.started"
	RoutingMessagesRead        = "chat.messages.read"
)

// DomainEvent is the envelope for messaging events consumed by notification workers.
type DomainEvent struct {
	SchemaVersion  int    `json:"schema_version"`
	EventType      string `json:"event_type"`
	OccurredAt     string `json:"occurred_at"`
	Service        string `json:"service"`
	ConversationID string `json:"conversation_id"`
	ActorID        string `json:"actor_id"`
	Data           any    `json:"data,omitempty"`
}

func (e DomainEvent) Kind() string         { return e.EventType }
func (e DomainEvent) PartitionKey() string { return e.ConversationID }

// EventEmitter publishes domain events. Publish failures are logged and not returned.
type EventEmitter struct {
	publisher Publisher
	service   string
	logger    *slog.Logger
}

func NewEventEmitter(publisher Publisher, service string, logger *slog.Logger) *EventEmitter {
	return &EventEmitter{publisher: publisher, service: service, logger: logger}
}

func (e *EventEmitter) MessageSent(ctx context.Context, msg models.Message) {
	e.emit(ctx, RoutingMessageSent, msg.ConversationID, msg.SenderID, msg)
}

func (e *EventEmitter) ConversationStarted(ctx context.Context, conv models.Conversation) {
	e.emit(ctx, RoutingConversationStarted, conv.ID, conv.BuyerID, conv)
}

func (e *EventEmitter) MessagesRead(ctx context.Context, conversationID, readerID string, count int) {
	e.emit(ctx, RoutingMessagesRead, conversationID, readerID, map[string]int{"count": count})
}

func (e *EventEmitter) emit(ctx context.Context, routingKey, conversationID, actorID string, data any) {
	if e == nil || e.publisher == nil {
		return
	}
	event := DomainEvent{
		SchemaVersion:  1,
		EventType:      routingKey,
		OccurredAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Service:        e.service,
		ConversationID: conversationID,
		ActorID:        actorID,
		Data:           data,
	}
	if err := e.publisher.Publish(ctx, routingKey, event); err != nil {
		e.logger.Error("domain event publish failed", "routing_key", routingKey, "conversation_id", conversationID, "error", err)
	}
}
