package models

import "time"

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	SenderID       string    `db:"sender_id" json:"sender_id"`
	Content        string    `db:"content" json:"content"`
	Read           bool      `db:"read" json:"read"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// MessagePreview is the last-message summary shown in the directory.
type MessagePreview struct {
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	SenderID  string    `db:"sender_id" json:"sender_id"`
	Read      bool      `db:"read" json:"read"`
}

// ChatEvent is broadcasted to thread websockets.
type ChatEvent struct {
	Type     string   `json:"type"`
	Message  *Message `json:"message,omitempty"`
	ReaderID string   `json:"reader_id,omitempty"`
	Count    int      `json:"count,omitempty"`
}
