// Package thread loads and extends the message history of one conversation.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"estate-chat/internal/latch"
	"estate-chat/internal/models"
	"estate-chat/internal/observability"
	"estate-chat/internal/repositories"
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrSendInFlight   = errors.New("a message is already being sent")
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrOwnListing     = errors.New("cannot start a conversation on your own listing")
)

// Broadcaster pushes thread activity to connected websocket clients.
type Broadcaster interface {
	BroadcastMessage(conversationID string, msg models.Message)
	BroadcastRead(conversationID string, readerID string, count int)
}

// Notifier publishes domain events for other services.
type Notifier interface {
	MessageSent(ctx context.Context, msg models.Message)
	ConversationStarted(ctx context.Context, conv models.Conversation)
	MessagesRead(ctx context.Context, conversationID, readerID string, count int)
}

// Page selects a window of history. Limit 0 means the whole thread.
type Page struct {
	Before string
	Limit  int
}

// Thread is the result of loading a conversation. Selected is false when no conversation
// was requested.
type Thread struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Selected       bool             `json:"selected"`
	Messages       []models.Message `json:"messages"`
	NextCursor     string           `json:"next_cursor,omitempty"`
}

type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	properties    repositories.PropertyRepository
	latch         latch.Latch
	hub           Broadcaster
	events        Notifier
	logger        *slog.Logger
}

func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	properties repositories.PropertyRepository,
	sendLatch latch.Latch,
	hub Broadcaster,
	events Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		properties:    properties,
		latch:         sendLatch,
		hub:           hub,
		events:        events,
		logger:        logger,
	}
}

// Load returns the messages of a conversation oldest first.
func (s *Service) Load(ctx context.Context, viewerID, conversationID string, page Page) (Thread, error) {
	if conversationID == "" {
		return Thread{Messages: []models.Message{}}, nil
	}
	if _, err := s.authorize(ctx, conversationID, viewerID); err != nil {
		return Thread{}, err
	}

	limit := page.Limit
	if limit < 0 {
		limit = 0
	}
	fetch := limit
	if limit > 0 {
		fetch = limit + 1
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID, page.Before, fetch)
	if err != nil {
		s.logger.ErrorContext(ctx, "load messages failed", "conversation_id", conversationID, "error", err)
		return Thread{}, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	thread := Thread{ConversationID: conversationID, Selected: true, Messages: msgs}
	if limit > 0 && len(msgs) > limit {
		thread.Messages = msgs[1:]
		thread.NextCursor = thread.Messages[0].ID
	}
	return thread, nil
}

// Send stores a message from viewerID. Only one send per sender and conversation may be in
// flight; a concurrent attempt fails with ErrSendInFlight instead of waiting.
func (s *Service) Send(ctx context.Context, viewerID, conversationID, content string) (models.Message, error) {
	ctx, span := otel.Tracer("estate-chat/thread").Start(ctx, "thread.Send")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	content = strings.TrimSpace(content)
	if content == "" {
		observability.IncMessageSend("empty")
		return models.Message{}, ErrEmptyContent
	}

	key := latch.Key(conversationID, viewerID)
	token, acquired, err := s.latch.TryAcquire(ctx, key)
	if err != nil {
		observability.IncMessageSend("error")
		return models.Message{}, fmt.Errorf("acquire send latch: %w", err)
	}
	if !acquired {
		observability.IncMessageSend("in_flight")
		return models.Message{}, ErrSendInFlight
	}
	defer func() {
		if err := s.latch.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.WarnContext(ctx, "release send latch failed", "conversation_id", conversationID, "error", err)
		}
	}()

	if _, err := s.authorize(ctx, conversationID, viewerID); err != nil {
		observability.IncMessageSend("rejected")
		return models.Message{}, err
	}

	msg, err := s.messages.CreateMessage(ctx, conversationID, viewerID, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create message")
		observability.IncMessageSend("error")
		s.logger.ErrorContext(ctx, "create message failed", "conversation_id", conversationID, "sender_id", viewerID, "error", err)
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}

	observability.IncMessageSend("ok")
	s.hub.BroadcastMessage(conversationID, msg)
	s.events.MessageSent(ctx, msg)
	return msg, nil
}

// MarkRead flags the viewer's unread incoming messages as read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, viewerID, conversationID string) (int, error) {
	if _, err := s.authorize(ctx, conversationID, viewerID); err != nil {
		return 0, err
	}
	count, err := s.messages.MarkRead(ctx, conversationID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if count > 0 {
		s.hub.BroadcastRead(conversationID, viewerID, count)
		s.events.MessagesRead(ctx, conversationID, viewerID, count)
	}
	return count, nil
}

// Start returns the buyer's conversation about a property, creating it when needed.
// The boolean reports whether it was created by this call.
func (s *Service) Start(ctx context.Context, buyerID, propertyID string) (models.Conversation, bool, error) {
	property, err := s.properties.GetProperty(ctx, propertyID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	if property.AgentID == buyerID {
		return models.Conversation{}, false, ErrOwnListing
	}

	conv, created, err := s.conversations.CreateOrGet(ctx, propertyID, buyerID, property.AgentID)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("start conversation: %w", err)
	}
	if created {
		s.logger.InfoContext(ctx, "conversation started", "conversation_id", conv.ID, "property_id", propertyID)
		s.events.ConversationStarted(ctx, conv)
	}
	return conv, created, nil
}

func (s *Service) authorize(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, ErrNotParticipant
	}
	return conv, nil
}
