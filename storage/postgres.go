package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buysmart/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the orchestrator tables when they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS requirements (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_query TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		budget_min DOUBLE PRECISION,
		budget_max DOUBLE PRECISION,
		deal_breakers TEXT[] NOT NULL DEFAULT '{}',
		condition_preferences TEXT[] NOT NULL DEFAULT '{}',
		timeline TEXT NOT NULL DEFAULT 'flexible',
		status TEXT NOT NULL DEFAULT 'active',
		scraping_status TEXT NOT NULL DEFAULT 'pending',
		total_listings_found INTEGER NOT NULL DEFAULT 0,
		matching_listings_count INTEGER NOT NULL DEFAULT 0,
		last_scraped_at TIMESTAMPTZ,
		next_scrape_at TIMESTAMPTZ,
		scrape_attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		claim_token TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (matching_listings_count <= total_listings_found)
	);

	CREATE TABLE IF NOT EXISTS listings (
		id UUID PRIMARY KEY,
		requirement_id UUID NOT NULL REFERENCES requirements(id),
		external_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION,
		currency TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		seller_name TEXT NOT NULL DEFAULT '',
		condition TEXT NOT NULL DEFAULT '',
		posted_at TIMESTAMPTZ,
		triage_status TEXT NOT NULL DEFAULT 'new',
		is_match BOOLEAN NOT NULL DEFAULT FALSE,
		match_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		discovered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (requirement_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_attempts (
		id UUID PRIMARY KEY,
		requirement_id UUID NOT NULL,
		trigger_source TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		outcome TEXT NOT NULL,
		error_class TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		fetched_count INTEGER NOT NULL DEFAULT 0,
		matched_count INTEGER NOT NULL DEFAULT 0,
		new_count INTEGER NOT NULL DEFAULT 0,
		newly_matched_count INTEGER NOT NULL DEFAULT 0,
		persist_failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id BIGSERIAL PRIMARY KEY,
		requirement_id TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		command TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_requirements_due ON requirements(status, scraping_status, next_scrape_at NULLS FIRST);
	CREATE INDEX IF NOT EXISTS idx_requirements_claimed ON requirements(claimed_at) WHERE scraping_status = 'in_progress';
	CREATE INDEX IF NOT EXISTS idx_listings_requirement ON listings(requirement_id, is_match);
	CREATE INDEX IF NOT EXISTS idx_attempts_requirement ON scrape_attempts(requirement_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(created_at) WHERE processed_at IS NULL;
	`)
	return err
}

// =============================================================================
// Requirements
// =============================================================================

func (s *PostgresStore) CreateRequirement(ctx context.Context, r *models.Requirement) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	query := `
		INSERT INTO requirements (` + requirementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.UserID, r.ProductQuery, r.Category, r.Location, r.BudgetMin, r.BudgetMax,
		nonNil(r.DealBreakers), nonNil(r.ConditionPreferences), r.Timeline, r.Status, r.ScrapingStatus,
		r.TotalListingsFound, r.MatchingListingsCount, r.LastScrapedAt, r.NextScrapeAt,
		r.ScrapeAttemptCount, r.LastError, r.ClaimToken, r.ClaimedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert requirement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequirement(ctx context.Context, id uuid.UUID) (*models.Requirement, error) {
	var r models.Requirement
	err := s.pool.QueryRow(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id = $1`, id).Scan(
		&r.ID, &r.UserID, &r.ProductQuery, &r.Category, &r.Location, &r.BudgetMin, &r.BudgetMax,
		&r.DealBreakers, &r.ConditionPreferences, &r.Timeline, &r.Status, &r.ScrapingStatus,
		&r.TotalListingsFound, &r.MatchingListingsCount, &r.LastScrapedAt, &r.NextScrapeAt,
		&r.ScrapeAttemptCount, &r.LastError, &r.ClaimToken, &r.ClaimedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) SetRequirementStatus(ctx context.Context, id uuid.UUID, status models.RequirementStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE requirements SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDueRequirements(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM requirements
		WHERE status = 'active'
			AND scraping_status <> 'in_progress'
			AND (next_scrape_at IS NULL OR next_scrape_at <= $1)
		ORDER BY next_scrape_at ASC NULLS FIRST, created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// Claims
// =============================================================================

func (s *PostgresStore) ClaimRequirement(ctx context.Context, req ClaimRequest) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE requirements
		SET scraping_status = 'in_progress', claim_token = $2, claimed_at = $3, updated_at = $3
		WHERE id = $1
			AND status = 'active'
			AND scraping_status IN ('pending', 'completed', 'failed')
			AND (NOT $4::boolean OR next_scrape_at IS NULL OR next_scrape_at <= $3)`,
		req.RequirementID, req.Token, req.Now, req.RequireDue)
	if err != nil {
		return false, fmt.Errorf("claim requirement: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM requirements WHERE id = $1)`, req.RequirementID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) RefreshClaim(ctx context.Context, id uuid.UUID, token string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE requirements SET claimed_at = $3
		WHERE id = $1 AND claim_token = $2 AND scraping_status = 'in_progress'`, id, token, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinalizeRequirement(ctx context.Context, f Finalization) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE requirements SET
			scraping_status = $3,
			last_scraped_at = COALESCE($4, last_scraped_at),
			next_scrape_at = $5,
			scrape_attempt_count = $6,
			last_error = $7,
			total_listings_found = CASE WHEN $8::boolean THEN
				(SELECT COUNT(*) FROM listings l WHERE l.requirement_id = requirements.id)
				ELSE total_listings_found END,
			matching_listings_count = CASE WHEN $8::boolean THEN
				(SELECT COUNT(*) FROM listings l WHERE l.requirement_id = requirements.id AND l.is_match)
				ELSE matching_listings_count END,
			claim_token = '',
			claimed_at = NULL,
			updated_at = $9
		WHERE id = $1 AND claim_token = $2 AND scraping_status = 'in_progress'`,
		f.RequirementID, f.Token, f.Status, f.LastScrapedAt, f.NextScrapeAt, f.AttemptCount,
		f.LastError, f.RecountListing, f.Now,
	)
	if err != nil {
		return false, fmt.Errorf("finalize requirement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]models.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, claim_token, claimed_at FROM requirements
		WHERE scraping_status = 'in_progress' AND claimed_at < $1`, claimedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		var c models.Claim
		if err := rows.Scan(&c.RequirementID, &c.Token, &c.ClaimedAt); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// =============================================================================
// Listings
// =============================================================================

// UpsertListing is a single statement. The prev CTE reads the pre-statement
// snapshot so the returned match flag is the one this write replaced.
func (s *PostgresStore) UpsertListing(ctx context.Context, l *models.Listing) (*UpsertResult, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	query := `
		WITH prev AS (
			SELECT is_match FROM listings WHERE requirement_id = $2 AND external_id = $3
		)
		INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (requirement_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			location = EXCLUDED.location,
			url = EXCLUDED.url,
			image_url = EXCLUDED.image_url,
			seller_name = EXCLUDED.seller_name,
			condition = EXCLUDED.condition,
			posted_at = EXCLUDED.posted_at,
			is_match = EXCLUDED.is_match,
			match_score = EXCLUDED.match_score,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, triage_status, discovered_at, (xmax = 0) AS inserted,
			COALESCE((SELECT is_match FROM prev), FALSE) AS was_match`

	out := *l
	var inserted, wasMatch bool
	err := s.pool.QueryRow(ctx, query,
		l.ID, l.RequirementID, l.ExternalID, l.Title, l.Description, l.Price, l.Currency, l.Location,
		l.URL, l.ImageURL, l.SellerName, l.Condition, l.PostedAt, l.TriageStatus, l.IsMatch,
		l.MatchScore, l.DiscoveredAt, l.LastSeenAt, l.UpdatedAt,
	).Scan(&out.ID, &out.TriageStatus, &out.DiscoveredAt, &inserted, &wasMatch)
	if err != nil {
		return nil, fmt.Errorf("upsert listing: %w", err)
	}

	return &UpsertResult{Listing: out, IsNew: inserted, WasMatch: wasMatch && !inserted}, nil
}

func scanPgListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(
		&l.ID, &l.RequirementID, &l.ExternalID, &l.Title, &l.Description, &l.Price, &l.Currency, &l.Location,
		&l.URL, &l.ImageURL, &l.SellerName, &l.Condition, &l.PostedAt, &l.TriageStatus, &l.IsMatch,
		&l.MatchScore, &l.DiscoveredAt, &l.LastSeenAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	l, err := scanPgListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (s *PostgresStore) ListListings(ctx context.Context, requirementID uuid.UUID, matchesOnly bool) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE requirement_id = $1 AND (NOT $2::boolean OR is_match)
		ORDER BY match_score DESC, discovered_at ASC`, requirementID, matchesOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanPgListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTriageStatus(ctx context.Context, id uuid.UUID, status models.TriageStatus) (*models.Listing, error) {
	l, err := scanPgListing(s.pool.QueryRow(ctx, `
		UPDATE listings SET triage_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+listingColumns, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// =============================================================================
// Attempts, logs and commands
// =============================================================================

func (s *PostgresStore) AppendAttempt(ctx context.Context, a *models.ScrapeAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_attempts (
			id, requirement_id, trigger_source, started_at, finished_at, outcome, error_class, error_detail,
			fetched_count, matched_count, new_count, newly_matched_count, persist_failures
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.RequirementID, a.Trigger, a.StartedAt, a.FinishedAt, a.Outcome, a.ErrorClass,
		a.ErrorDetail, a.FetchedCount, a.MatchedCount, a.NewCount, a.NewlyMatchedCount, a.PersistFailures,
	)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, requirementID uuid.UUID, limit int) ([]models.ScrapeAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, requirement_id, trigger_source, started_at, finished_at, outcome, error_class, error_detail,
			fetched_count, matched_count, new_count, newly_matched_count, persist_failures
		FROM scrape_attempts WHERE requirement_id = $1
		ORDER BY started_at DESC LIMIT $2`, requirementID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScrapeAttempt
	for rows.Next() {
		var a models.ScrapeAttempt
		if err := rows.Scan(&a.ID, &a.RequirementID, &a.Trigger, &a.StartedAt, &a.FinishedAt, &a.Outcome,
			&a.ErrorClass, &a.ErrorDetail, &a.FetchedCount, &a.MatchedCount, &a.NewCount,
			&a.NewlyMatchedCount, &a.PersistFailures); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLog(ctx context.Context, l *models.ScrapeLog) error {
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_logs (requirement_id, timestamp, level, message) VALUES ($1, $2, $3, $4)`,
		l.RequirementID, ts, l.Level, l.Message)
	return err
}

func (s *PostgresStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO commands (command, params) VALUES ($1, $2)`, cmd, string(data))
	return err
}

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params []byte
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		cmd.Params = json.RawMessage(params)
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}
