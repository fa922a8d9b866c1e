package models

import (
	"time"

	"github.com/google/uuid"
)

type RequirementStatus string

const (
	RequirementActive    RequirementStatus = "active"
	RequirementPaused    RequirementStatus = "paused"
	RequirementFulfilled RequirementStatus = "fulfilled"
)

type ScrapingStatus string

const (
	ScrapingPending    ScrapingStatus = "pending"
	ScrapingInProgress ScrapingStatus = "in_progress"
	ScrapingCompleted  ScrapingStatus = "completed"
	ScrapingFailed     ScrapingStatus = "failed"
)

// Claimable reports whether a scrape may be claimed from this status.
func (s ScrapingStatus) Claimable() bool {
	return s == ScrapingPending || s == ScrapingCompleted || s == ScrapingFailed
}

type Timeline string

const (
	TimelineUrgent   Timeline = "urgent"
	TimelineFlexible Timeline = "flexible"
	TimelineLongTerm Timeline = "long_term"
)

// Criteria is the search intent the matching engine evaluates candidates against.
type Criteria struct {
	ProductQuery         string   `json:"product_query" db:"product_query"`
	Category             string   `json:"category" db:"category"`
	Location             string   `json:"location" db:"location"`
	BudgetMin            *float64 `json:"budget_min" db:"budget_min"`
	BudgetMax            *float64 `json:"budget_max" db:"budget_max"`
	DealBreakers         []string `json:"deal_breakers" db:"deal_breakers"`
	ConditionPreferences []string `json:"condition_preferences" db:"condition_preferences"`
	Timeline             Timeline `json:"timeline" db:"timeline"`
}

type Requirement struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID string    `json:"user_id" db:"user_id"`
	Criteria
	Status                RequirementStatus `json:"status" db:"status"`
	ScrapingStatus        ScrapingStatus    `json:"scraping_status" db:"scraping_status"`
	TotalListingsFound    int               `json:"total_listings_found" db:"total_listings_found"`
	MatchingListingsCount int               `json:"matching_listings_count" db:"matching_listings_count"`
	LastScrapedAt         *time.Time        `json:"last_scraped_at" db:"last_scraped_at"`
	NextScrapeAt          *time.Time        `json:"next_scrape_at" db:"next_scrape_at"`
	ScrapeAttemptCount    int               `json:"scrape_attempt_count" db:"scrape_attempt_count"`
	LastError             string            `json:"last_error,omitempty" db:"last_error"`
	ClaimToken            string            `json:"-" db:"claim_token"`
	ClaimedAt             *time.Time        `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
}

// Claim is the exclusive ownership of one in-progress scrape.
type Claim struct {
	RequirementID uuid.UUID `json:"requirement_id"`
	Token         string    `json:"token"`
	ClaimedAt     time.Time `json:"claimed_at"`
}
