package models

import "time"

// Conversation is a buyer/agent thread about exactly one property listing.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	PropertyID string    `db:"property_id" json:"property_id"`
	BuyerID    string    `db:"buyer_id" json:"buyer_id"`
	AgentID    string    `db:"agent_id" json:"agent_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether userID is the buyer or the agent.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.AgentID == userID)
}

// Profile is the public display identity of a marketplace user.
type Profile struct {
	ID        string  `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	AvatarURL *string `db:"avatar_url" json:"avatar_url"`
}

// PropertySummary is the subset of a listing needed by messaging.
type PropertySummary struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Images  []string `json:"images"`
	AgentID string   `json:"-"`
}

// ConversationView is a conversation enriched at read time for one viewer.
// Enrichment fields are nil when their lookup failed or found nothing.
type ConversationView struct {
	Conversation
	Property    *PropertySummary `json:"property,omitempty"`
	Counterpart *Profile         `json:"other_user,omitempty"`
	LastMessage *MessagePreview  `json:"last_message,omitempty"`
	UnreadCount int              `json:"unread_count"`
}

// ChangeOp is the kind of row change reported by the change feed.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
	// ChangeResync means events may have been missed and state must be rebuilt.
	ChangeResync ChangeOp = "RESYNC"
)

// ChangeEvent describes a change to a conversation row.
type ChangeEvent struct {
	Op             ChangeOp `json:"op"`
	ConversationID string   `json:"id"`
	BuyerID        string   `json:"buyer_id"`
	AgentID        string   `json:"agent_id"`
}

// Concerns reports whether the event touches a conversation the user takes part in.
// Resync events concern everyone.
func (e ChangeEvent) Concerns(userID string) bool {
	if e.Op == ChangeResync {
		return true
	}
	return userID != "" && (e.BuyerID == userID || e.AgentID == userID)
}

// DirectoryEvent is pushed over websockets with a fresh directory snapshot.
type DirectoryEvent struct {
	Type          string             `json:"type"`
	Conversations []ConversationView `json:"conversations"`
}
