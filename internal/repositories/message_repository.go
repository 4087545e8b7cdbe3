package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"estate-chat/internal/models"
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, conversationID string, senderID string, content string) (models.Message, error)
	ListMessages(ctx context.Context, conversationID string, before string, limit int) ([]models.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.MessagePreview, error)
	CountUnread(ctx context.Context, conversationID string, viewerID string) (int, error)
	MarkRead(ctx context.Context, conversationID string, viewerID string) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, read, created_at`

// CreateMessage stores an unread message.
func (r *MessageRepo) CreateMessage(ctx context.Context, conversationID string, senderID string, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `INSERT INTO messages (conversation_id, sender_id, content) VALUES ($1, $2, $3) RETURNING `+messageColumns,
		conversationID, senderID, content)
	return msg, err
}

// ListMessages returns messages in ascending creation order.
// With limit <= 0 the full history is returned. Otherwise the newest limit messages strictly
// older than the before message (or the newest overall when before is empty) are returned,
// still oldest first.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string, before string, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	if limit <= 0 {
		err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at ASC, id ASC`, conversationID)
		return msgs, err
	}

	var err error
	if before == "" {
		err = r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
                SELECT `+messageColumns+` FROM messages
                WHERE conversation_id=$1
                ORDER BY created_at DESC, id DESC
                LIMIT $2
            ) page ORDER BY created_at ASC, id ASC`, conversationID, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT * FROM (
                SELECT m.id, m.conversation_id, m.sender_id, m.content, m.read, m.created_at FROM messages m
                JOIN messages anchor ON anchor.id=$2 AND anchor.conversation_id=$1
                WHERE m.conversation_id=$1
                AND (m.created_at, m.id) < (anchor.created_at, anchor.id)
                ORDER BY m.created_at DESC, m.id DESC
                LIMIT $3
            ) page ORDER BY created_at ASC, id ASC`, conversationID, before, limit)
	}
	return msgs, err
}

// LatestMessage returns the most recent message of a conversation, or nil when it has none.
func (r *MessageRepo) LatestMessage(ctx context.Context, conversationID string) (*models.MessagePreview, error) {
	var preview models.MessagePreview
	err := r.db.GetContext(ctx, &preview, `SELECT content, created_at, sender_id, read FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &preview, nil
}

// CountUnread counts unread messages in the conversation that were not sent by the viewer.
func (r *MessageRepo) CountUnread(ctx context.Context, conversationID string, viewerID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND read = FALSE AND sender_id <> $2`, conversationID, viewerID)
	return count, err
}

// MarkRead flags every unread incoming message as read for the viewer.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, viewerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE
        WHERE conversation_id=$1 AND read = FALSE AND sender_id <> $2`, conversationID, viewerID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
