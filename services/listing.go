package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"buysmart/models"
	"buysmart/storage"
	"github.com/google/uuid"
)

// PersistenceError is returned once an upsert has used up its retry budget.
type PersistenceError struct {
	ExternalID string
	Attempts   int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist listing %s after %d attempts: %v", e.ExternalID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ListingRepository persists candidates, deduplicated per requirement.
type ListingRepository struct {
	store      storage.Store
	retries    int
	retryDelay time.Duration
}

// NewListingRepository creates a repository that retries a failing upsert
// up to retries extra times, waiting retryDelay*n before attempt n.
func NewListingRepository(store storage.Store, retries int, retryDelay time.Duration) *ListingRepository {
	if retries < 0 {
		retries = 0
	}
	return &ListingRepository{store: store, retries: retries, retryDelay: retryDelay}
}

// Upsert inserts the candidate or refreshes the stored listing with the same
// (requirement, external id). Triage status and discovery time of an existing
// listing are never changed.
func (r *ListingRepository) Upsert(ctx context.Context, requirementID uuid.UUID, c models.Candidate, res MatchResult, now time.Time) (*storage.UpsertResult, error) {
	l := &models.Listing{
		ID:            uuid.New(),
		RequirementID: requirementID,
		ExternalID:    c.ExternalID,
		Title:         c.Title,
		Description:   c.Description,
		Price:         c.Price,
		Currency:      c.Currency,
		Location:      c.Location,
		URL:           c.URL,
		ImageURL:      c.ImageURL,
		SellerName:    c.SellerName,
		Condition:     NormalizeCondition(c.Condition),
		PostedAt:      c.PostedAt,
		TriageStatus:  models.TriageNew,
		IsMatch:       res.IsMatch,
		MatchScore:    res.Score,
		DiscoveredAt:  now,
		LastSeenAt:    now,
		UpdatedAt:     now,
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			log.Printf("Warning: upsert listing %s failed (attempt %d): %v", c.ExternalID, attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, &PersistenceError{ExternalID: c.ExternalID, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}

		result, err := r.store.UpsertListing(ctx, l)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &PersistenceError{ExternalID: c.ExternalID, Attempts: attempt + 1, Err: ctx.Err()}
		}
	}
	return nil, &PersistenceError{ExternalID: c.ExternalID, Attempts: r.retries + 1, Err: lastErr}
}

// NewlyMatched reports whether an upsert turned the listing into a match.
func NewlyMatched(res *storage.UpsertResult) bool {
	return res.Listing.IsMatch && (res.IsNew || !res.WasMatch)
}
