package models

import "time"

// Message is a single conversation entry. Immutable once created; only the
// ingestion pipeline writes messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Sender         *Sender   `json:"sender,omitempty"`
}
