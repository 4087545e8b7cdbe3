// Package directory builds the enriched conversation list shown to a buyer or an agent.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"estate-chat/internal/models"
	"estate-chat/internal/observability"
	"estate-chat/internal/repositories"
)

// Service loads and enriches conversations for one viewer at a time.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      repositories.ProfileRepository
	properties    repositories.PropertyRepository
	workers       int
	logger        *slog.Logger
}

func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	profiles repositories.ProfileRepository,
	properties repositories.PropertyRepository,
	workers int,
	logger *slog.Logger,
) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		properties:    properties,
		workers:       workers,
		logger:        logger,
	}
}

// Counterpart returns the participant of conv who is not the viewer.
func Counterpart(conv models.Conversation, viewerID string) string {
	if conv.BuyerID == viewerID {
		return conv.AgentID
	}
	return conv.BuyerID
}

// Load returns the viewer's conversations, most recently active first. Rows are enriched
// concurrently but keep the base query order. When the base query fails the result is an
// empty list together with the error.
func (s *Service) Load(ctx context.Context, viewerID string) ([]models.ConversationView, error) {
	ctx, span := otel.Tracer("estate-chat/directory").Start(ctx, "directory.Load")
	defer span.End()
	start := time.Now()

	convs, err := s.conversations.ListForUser(ctx, viewerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list conversations")
		observability.ObserveDirectoryLoad("error", time.Since(start))
		s.logger.ErrorContext(ctx, "conversation directory query failed", "viewer_id", viewerID, "error", err)
		return []models.ConversationView{}, fmt.Errorf("list conversations: %w", err)
	}

	views := make([]models.ConversationView, len(convs))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, conv := range convs {
		g.Go(func() error {
			views[i] = s.enrich(ctx, viewerID, conv)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("directory.conversations", len(views)))
	observability.ObserveDirectoryLoad("ok", time.Since(start))
	return views, nil
}

// Refresh re-reads and re-enriches a single conversation for the viewer.
func (s *Service) Refresh(ctx context.Context, viewerID, conversationID string) (models.ConversationView, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationView{}, err
	}
	if !conv.HasParticipant(viewerID) {
		return models.ConversationView{}, repositories.ErrConversationNotFound
	}
	return s.enrich(ctx, viewerID, conv), nil
}

// enrich runs the per-row lookups one after another. A failed lookup leaves its field empty.
func (s *Service) enrich(ctx context.Context, viewerID string, conv models.Conversation) models.ConversationView {
	view := models.ConversationView{Conversation: conv}
	log := s.logger.With("conversation_id", conv.ID, "viewer_id", viewerID)

	property, err := s.properties.GetProperty(ctx, conv.PropertyID)
	switch {
	case err == nil:
		view.Property = &property
	case errors.Is(err, repositories.ErrPropertyNotFound):
		log.DebugContext(ctx, "conversation property missing", "property_id", conv.PropertyID)
	default:
		s.enrichFailed(ctx, log, "property", err)
	}

	profile, err := s.profiles.GetProfile(ctx, Counterpart(conv, viewerID))
	switch {
	case err == nil:
		view.Counterpart = &profile
	case errors.Is(err, repositories.ErrProfileNotFound):
		log.DebugContext(ctx, "counterpart profile missing")
	default:
		s.enrichFailed(ctx, log, "counterpart", err)
	}

	last, err := s.messages.LatestMessage(ctx, conv.ID)
	if err != nil {
		s.enrichFailed(ctx, log, "last_message", err)
	} else {
		view.LastMessage = last
	}

	unread, err := s.messages.CountUnread(ctx, conv.ID, viewerID)
	if err != nil {
		s.enrichFailed(ctx, log, "unread_count", err)
	} else {
		view.UnreadCount = unread
	}
	return view
}

func (s *Service) enrichFailed(ctx context.Context, log *slog.Logger, field string, err error) {
	observability.IncEnrichFailure(field)
	log.WarnContext(ctx, "conversation enrichment failed", "field", field, "error", err)
}

// Filter keeps the views whose counterpart name or property title contains query,
// ignoring case. An empty query keeps everything.
func Filter(views []models.ConversationView, query string) []models.ConversationView {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return views
	}
	out := make([]models.ConversationView, 0, len(views))
	for _, v := range views {
		if v.Counterpart != nil && strings.Contains(strings.ToLower(v.Counterpart.Name), needle) {
			out = append(out, v)
			continue
		}
		if v.Property != nil && strings.Contains(strings.ToLower(v.Property.Title), needle) {
			out = append(out, v)
		}
	}
	return out
}

// Select finds the conversation with the given id in an already loaded list.
func Select(views []models.ConversationView, conversationID string) (models.ConversationView, bool) {
	for _, v := range views {
		if v.ID == conversationID {
			return v, true
		}
	}
	return models.ConversationView{}, false
}

// SortByActivity orders views by last update, newest first, then by id like the base query.
func SortByActivity(views []models.ConversationView) {
	sort.SliceStable(views, func(i, j int) bool {
		if !views[i].UpdatedAt.Equal(views[j].UpdatedAt) {
			return views[i].UpdatedAt.After(views[j].UpdatedAt)
		}
		return views[i].ID < views[j].ID
	})
}
