package models

import "time"

// Listing is a property advertised by an agent.
type Listing struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Title     string    `json:"title"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// Lead is a buyer inquiry captured against a listing.
type Lead struct {
	ID        int64     `json:"id"`
	ListingID int64     `json:"listing_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}
