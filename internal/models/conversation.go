package models

import (
	"database/sql"
	"time"
)

// Conversation groups messages between participants. UpdatedAt is the
// freshness marker: it advances on every accepted message and orders the
// conversation list.
type Conversation struct {
	ID        string    `json:"id"`
	ListingID int64     `json:"listing_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant records membership in a conversation. Leaving sets LeftAt
// rather than deleting the row so historical membership survives for
// audit and read-receipt queries.
type Participant struct {
	ConversationID string       `json:"conversation_id"`
	UserID         int64        `json:"user_id"`
	JoinedAt       time.Time    `json:"joined_at"`
	LeftAt         sql.NullTime `json:"left_at"`
}

// Active reports whether the participant may currently act in the
// conversation.
func (p Participant) Active() bool {
	return !p.LeftAt.Valid
}
