package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"estate-chat/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	FindByTriple(ctx context.Context, propertyID, buyerID, agentID string) (models.Conversation, error)
	CreateOrGet(ctx context.Context, propertyID, buyerID, agentID string) (models.Conversation, bool, error)
	IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, property_id, buyer_id, agent_id, created_at, updated_at`

// ListForUser returns conversations where the user is buyer or agent, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE buyer_id=$1 OR agent_id=$1
        ORDER BY updated_at DESC, id`
	convs := []models.Conversation{}
	if err := r.db.SelectContext(ctx, &convs, query, userID); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// FindByTriple looks up the conversation for a property between a buyer and an agent.
func (r *ConversationRepo) FindByTriple(ctx context.Context, propertyID, buyerID, agentID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations
        WHERE property_id=$1 AND buyer_id=$2 AND agent_id=$3`, propertyID, buyerID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// CreateOrGet inserts a conversation unless one already exists for the triple.
// The boolean reports whether a new row was created.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, propertyID, buyerID, agentID string) (models.Conversation, bool, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `INSERT INTO conversations (property_id, buyer_id, agent_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (property_id, buyer_id, agent_id) DO NOTHING
        RETURNING `+conversationColumns, propertyID, buyerID, agentID)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}

	// lost the race to a concurrent insert
	conv, err = r.FindByTriple(ctx, propertyID, buyerID, agentID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, false, nil
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (buyer_id=$2 OR agent_id=$2))`, conversationID, userID)
	return exists, err
}
