package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channels published to.
const (
	ChannelNewMatch    = "EVENT_NEW_MATCH"
	ChannelScrapeAlert = "EVENT_SCRAPE_ALERT"
)

// NewMatchEvent asks the outreach collaborator to contact a seller.
type NewMatchEvent struct {
	RequirementID uuid.UUID `json:"requirement_id"`
	UserID        string    `json:"user_id"`
	ListingID     uuid.UUID `json:"listing_id"`
	ExternalID    string    `json:"external_id"`
	Title         string    `json:"title"`
	Price         *float64  `json:"price,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	URL           string    `json:"url,omitempty"`
	SellerName    string    `json:"seller_name,omitempty"`
	MatchScore    float64   `json:"match_score"`
	MatchedAt     time.Time `json:"matched_at"`
}

// Alert tells the user a requirement stopped being scraped on its own.
type Alert struct {
	RequirementID uuid.UUID `json:"requirement_id"`
	UserID        string    `json:"user_id"`
	ErrorClass    string    `json:"error_class"`
	Message       string    `json:"message"`
	NextScrapeAt  time.Time `json:"next_scrape_at"`
	RaisedAt      time.Time `json:"raised_at"`
}

// Publisher delivers events at least once. Consumers deduplicate by
// (requirement_id, listing_id).
type Publisher interface {
	NewMatch(ctx context.Context, ev NewMatchEvent) error
	Alert(ctx context.Context, a Alert) error
}
