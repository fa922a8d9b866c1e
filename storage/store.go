package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"buysmart/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means another job already owns the requirement.
	ErrClaimConflict = errors.New("claim conflict")
)

// ClaimRequest describes a compare-and-set from a claimable scraping status
// to in_progress. RequireDue additionally requires next_scrape_at to have
// passed, so overlapping scheduler ticks cannot re-run a fresh requirement.
type ClaimRequest struct {
	RequirementID uuid.UUID
	Token         string
	Now           time.Time
	RequireDue    bool
}

// Finalization is the single status write that ends a claim. It only applies
// while Token still owns the requirement.
type Finalization struct {
	RequirementID  uuid.UUID
	Token          string
	Status         models.ScrapingStatus
	Now            time.Time
	LastScrapedAt  *time.Time
	NextScrapeAt   time.Time
	AttemptCount   int
	LastError      string
	RecountListing bool
}

// UpsertResult reports what a listing upsert changed.
type UpsertResult struct {
	Listing  models.Listing
	IsNew    bool
	WasMatch bool
}

// Store is the persistence collaborator of the orchestrator.
type Store interface {
	CreateRequirement(ctx context.Context, r *models.Requirement) error
	GetRequirement(ctx context.Context, id uuid.UUID) (*models.Requirement, error)
	SetRequirementStatus(ctx context.Context, id uuid.UUID, status models.RequirementStatus) error
	ListDueRequirements(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	ClaimRequirement(ctx context.Context, req ClaimRequest) (bool, error)
	RefreshClaim(ctx context.Context, id uuid.UUID, token string, now time.Time) (bool, error)
	FinalizeRequirement(ctx context.Context, f Finalization) (bool, error)
	ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]models.Claim, error)

	UpsertListing(ctx context.Context, l *models.Listing) (*UpsertResult, error)
	GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error)
	ListListings(ctx context.Context, requirementID uuid.UUID, matchesOnly bool) ([]models.Listing, error)
	UpdateTriageStatus(ctx context.Context, id uuid.UUID, status models.TriageStatus) (*models.Listing, error)

	AppendAttempt(ctx context.Context, a *models.ScrapeAttempt) error
	ListAttempts(ctx context.Context, requirementID uuid.UUID, limit int) ([]models.ScrapeAttempt, error)
	AppendLog(ctx context.Context, l *models.ScrapeLog) error

	EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error

	Close() error
}

// ParseCommandParams decodes a command's JSON params, tolerating empty ones.
func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	var params models.CommandParams
	if cmd.Params == nil || string(cmd.Params) == "null" || len(cmd.Params) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
