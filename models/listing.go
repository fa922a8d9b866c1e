package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TriageStatus string

const (
	TriageNew        TriageStatus = "new"
	TriageContacted  TriageStatus = "contacted"
	TriageResponded  TriageStatus = "responded"
	TriageEliminated TriageStatus = "eliminated"
)

// ParseTriageStatus validates a user supplied triage status.
func ParseTriageStatus(s string) (TriageStatus, error) {
	switch ts := TriageStatus(s); ts {
	case TriageNew, TriageContacted, TriageResponded, TriageEliminated:
		return ts, nil
	}
	return "", fmt.Errorf("invalid triage status %q", s)
}

// Candidate is a raw listing as returned by a marketplace fetch.
type Candidate struct {
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Price       *float64   `json:"price"`
	Currency    string     `json:"currency"`
	Location    string     `json:"location"`
	URL         string     `json:"url"`
	ImageURL    string     `json:"image_url"`
	SellerName  string     `json:"seller_name"`
	Condition   string     `json:"condition"`
	PostedAt    *time.Time `json:"posted_at"`
}

type Listing struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	RequirementID uuid.UUID    `json:"requirement_id" db:"requirement_id"`
	ExternalID    string       `json:"external_id" db:"external_id"`
	Title         string       `json:"title" db:"title"`
	Description   string       `json:"description" db:"description"`
	Price         *float64     `json:"price" db:"price"`
	Currency      string       `json:"currency" db:"currency"`
	Location      string       `json:"location" db:"location"`
	URL           string       `json:"url" db:"url"`
	ImageURL      string       `json:"image_url" db:"image_url"`
	SellerName    string       `json:"seller_name" db:"seller_name"`
	Condition     string       `json:"condition" db:"condition"`
	PostedAt      *time.Time   `json:"posted_at" db:"posted_at"`
	TriageStatus  TriageStatus `json:"triage_status" db:"triage_status"`
	IsMatch       bool         `json:"is_match" db:"is_match"`
	MatchScore    float64      `json:"match_score" db:"match_score"`
	DiscoveredAt  time.Time    `json:"discovered_at" db:"discovered_at"`
	LastSeenAt    time.Time    `json:"last_seen_at" db:"last_seen_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}
