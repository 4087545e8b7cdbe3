package telemetry

import (
	"context"
	"log/slog"
	"time"

	"estate-chat/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditRecord is one audited request outcome.
type AuditRecord struct {
	Level          string
	Text           string
	RequestID      string
	UserID         *string
	ConversationID string
	Method         string
	Route          string
	Status         int
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	logger      *slog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	TraceID       string       `json:"trace_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level          string `json:"level"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id,omitempty"`
	Method         string `json:"method,omitempty"`
	Route          string `json:"route,omitempty"`
	Status         int    `json:"status,omitempty"`
}

func (AuditEnvelope) Kind() string { return "audit_log" }

// PartitionKey keeps a conversation's audit trail ordered on Kafka.
func (e AuditEnvelope) PartitionKey() string { return e.Payload.ConversationID }

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, logger *slog.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.InfoContext(ctx, "audit emit",
		"level", rec.Level,
		"request_id", rec.RequestID,
		"route", rec.Route,
		"conversation_id", rec.ConversationID,
		"status", rec.Status,
	)
	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     rec.RequestID,
		TraceID:       observability.TraceIDFromContext(ctx),
		UserID:        rec.UserID,
		Payload: AuditPayload{
			Level:          rec.Level,
			Text:           rec.Text,
			ConversationID: rec.ConversationID,
			Method:         rec.Method,
			Route:          rec.Route,
			Status:         rec.Status,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.ErrorContext(ctx, "audit publish failed", "route", rec.Route, "error", err)
	}
}
