package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buysmart/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requirements (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_query TEXT NOT NULL,
		category TEXT,
		location TEXT,
		budget_min REAL,
		budget_max REAL,
		deal_breakers JSON,
		condition_preferences JSON,
		timeline TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		scraping_status TEXT NOT NULL DEFAULT 'pending',
		total_listings_found INTEGER NOT NULL DEFAULT 0,
		matching_listings_count INTEGER NOT NULL DEFAULT 0,
		last_scraped_at DATETIME,
		next_scrape_at DATETIME,
		scrape_attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		claim_token TEXT,
		claimed_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		requirement_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		title TEXT,
		description TEXT,
		price REAL,
		currency TEXT,
		location TEXT,
		url TEXT,
		image_url TEXT,
		seller_name TEXT,
		condition TEXT,
		posted_at DATETIME,
		triage_status TEXT NOT NULL DEFAULT 'new',
		is_match BOOLEAN NOT NULL DEFAULT FALSE,
		match_score REAL NOT NULL DEFAULT 0,
		discovered_at DATETIME,
		last_seen_at DATETIME,
		updated_at DATETIME,
		UNIQUE(requirement_id, external_id),
		FOREIGN KEY (requirement_id) REFERENCES requirements(id)
	);

	CREATE TABLE IF NOT EXISTS scrape_attempts (
		id TEXT PRIMARY KEY,
		requirement_id TEXT NOT NULL,
		trigger_source TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		outcome TEXT,
		error_class TEXT,
		error_detail TEXT,
		fetched_count INTEGER,
		matched_count INTEGER,
		new_count INTEGER,
		newly_matched_count INTEGER,
		persist_failures INTEGER
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		requirement_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_requirements_due ON requirements(status, scraping_status, next_scrape_at);
	CREATE INDEX IF NOT EXISTS idx_requirements_claimed ON requirements(scraping_status, claimed_at);
	CREATE INDEX IF NOT EXISTS idx_listings_requirement ON listings(requirement_id, is_match);
	CREATE INDEX IF NOT EXISTS idx_attempts_requirement ON scrape_attempts(requirement_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_requirement ON scrape_logs(requirement_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored in UTC so that text comparison orders them.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

const requirementColumns = `
	id, user_id, product_query, category, location, budget_min, budget_max,
	deal_breakers, condition_preferences, timeline, status, scraping_status,
	total_listings_found, matching_listings_count, last_scraped_at, next_scrape_at,
	scrape_attempt_count, last_error, claim_token, claimed_at, created_at, updated_at`

func (s *SQLiteStore) CreateRequirement(ctx context.Context, r *models.Requirement) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	dealBreakers, _ := json.Marshal(nonNil(r.DealBreakers))
	conditions, _ := json.Marshal(nonNil(r.ConditionPreferences))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requirements (`+requirementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ProductQuery, r.Category, r.Location,
		nullableFloat(r.BudgetMin), nullableFloat(r.BudgetMax),
		string(dealBreakers), string(conditions), r.Timeline, r.Status, r.ScrapingStatus,
		r.TotalListingsFound, r.MatchingListingsCount,
		nullableTime(r.LastScrapedAt), nullableTime(r.NextScrapeAt),
		r.ScrapeAttemptCount, r.LastError, nullString(r.ClaimToken), nullableTime(r.ClaimedAt),
		utc(r.CreatedAt), utc(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert requirement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRequirement(ctx context.Context, id uuid.UUID) (*models.Requirement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id = ?`, id)
	r, err := scanRequirement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequirement(row rowScanner) (*models.Requirement, error) {
	var r models.Requirement
	var dealBreakers, conditions sql.NullString
	var category, location, timeline sql.NullString
	var claimToken sql.NullString

	err := row.Scan(
		&r.ID, &r.UserID, &r.ProductQuery, &category, &location, &r.BudgetMin, &r.BudgetMax,
		&dealBreakers, &conditions, &timeline, &r.Status, &r.ScrapingStatus,
		&r.TotalListingsFound, &r.MatchingListingsCount, &r.LastScrapedAt, &r.NextScrapeAt,
		&r.ScrapeAttemptCount, &r.LastError, &claimToken, &r.ClaimedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Category = category.String
	r.Location = location.String
	r.Timeline = models.Timeline(timeline.String)
	r.ClaimToken = claimToken.String
	if dealBreakers.Valid {
		json.Unmarshal([]byte(dealBreakers.String), &r.DealBreakers)
	}
	if conditions.Valid {
		json.Unmarshal([]byte(conditions.String), &r.ConditionPreferences)
	}
	return &r, nil
}

func (s *SQLiteStore) SetRequirementStatus(ctx context.Context, id uuid.UUID, status models.RequirementStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE requirements SET status = ?, updated_at = ? WHERE id = ?`, status, utc(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListDueRequirements(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	// NULLs sort first in ascending order, so never-scraped requirements lead.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM requirements
		WHERE status = 'active'
			AND scraping_status != 'in_progress'
			AND (next_scrape_at IS NULL OR next_scrape_at <= ?)
		ORDER BY next_scrape_at ASC, created_at ASC
		LIMIT ?`, utc(now), limit)
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

func (s *SQLiteStore) ClaimRequirement(ctx context.Context, req ClaimRequest) (bool, error) {
	now := utc(req.Now)
	result, err := s.db.ExecContext(ctx, `
		UPDATE requirements
		SET scraping_status = 'in_progress', claim_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?
			AND status = 'active'
			AND scraping_status IN ('pending', 'completed', 'failed')
			AND (? = 0 OR next_scrape_at IS NULL OR next_scrape_at <= ?)`,
		req.Token, now, now, req.RequirementID, req.RequireDue, now)
	if err != nil {
		return false, fmt.Errorf("claim requirement: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	return false, s.requirementExists(ctx, req.RequirementID)
}

func (s *SQLiteStore) requirementExists(ctx context.Context, id uuid.UUID) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM requirements WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) RefreshClaim(ctx context.Context, id uuid.UUID, token string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE requirements SET claimed_at = ?
		WHERE id = ? AND claim_token = ? AND scraping_status = 'in_progress'`,
		utc(now), id, token)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) FinalizeRequirement(ctx context.Context, f Finalization) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE requirements SET
			scraping_status = ?,
			last_scraped_at = COALESCE(?, last_scraped_at),
			next_scrape_at = ?,
			scrape_attempt_count = ?,
			last_error = ?,
			total_listings_found = CASE WHEN ? THEN
				(SELECT COUNT(*) FROM listings WHERE requirement_id = requirements.id)
				ELSE total_listings_found END,
			matching_listings_count = CASE WHEN ? THEN
				(SELECT COUNT(*) FROM listings WHERE requirement_id = requirements.id AND is_match)
				ELSE matching_listings_count END,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND claim_token = ? AND scraping_status = 'in_progress'`,
		f.Status, nullableTime(f.LastScrapedAt), utc(f.NextScrapeAt), f.AttemptCount, f.LastError,
		f.RecountListing, f.RecountListing, utc(f.Now), f.RequirementID, f.Token,
	)
	if err != nil {
		return false, fmt.Errorf("finalize requirement: %w", err)
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]models.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claim_token, claimed_at FROM requirements
		WHERE scraping_status = 'in_progress' AND claimed_at < ?`, utc(claimedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []models.Claim
	for rows.Next() {
		var c models.Claim
		var token sql.NullString
		if err := rows.Scan(&c.RequirementID, &token, &c.ClaimedAt); err != nil {
			return nil, err
		}
		c.Token = token.String
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

const listingColumns = `
	id, requirement_id, external_id, title, description, price, currency, location,
	url, image_url, seller_name, condition, posted_at, triage_status, is_match,
	match_score, discovered_at, last_seen_at, updated_at`

// UpsertListing runs as one immediate transaction: read the previous match
// flag, then insert or update the mutable fields only.
func (s *SQLiteStore) UpsertListing(ctx context.Context, l *models.Listing) (*UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE requirement_id = ? AND external_id = ?`, l.RequirementID, l.ExternalID)
	existing, err := scanListing(row)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO listings (`+listingColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.RequirementID, l.ExternalID, l.Title, l.Description, nullableFloat(l.Price),
			l.Currency, l.Location, l.URL, l.ImageURL, l.SellerName, l.Condition,
			nullableTime(l.PostedAt), l.TriageStatus, l.IsMatch, l.MatchScore,
			utc(l.DiscoveredAt), utc(l.LastSeenAt), utc(l.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert listing: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &UpsertResult{Listing: *l, IsNew: true}, nil

	case err != nil:
		return nil, fmt.Errorf("select listing: %w", err)
	}

	wasMatch := existing.IsMatch
	applyMutableFields(existing, l)
	_, err = tx.ExecContext(ctx, `
		UPDATE listings SET
			title = ?, description = ?, price = ?, currency = ?, location = ?, url = ?,
			image_url = ?, seller_name = ?, condition = ?, posted_at = ?, is_match = ?,
			match_score = ?, last_seen_at = ?, updated_at = ?
		WHERE id = ?`,
		existing.Title, existing.Description, nullableFloat(existing.Price), existing.Currency,
		existing.Location, existing.URL, existing.ImageURL, existing.SellerName, existing.Condition,
		nullableTime(existing.PostedAt), existing.IsMatch, existing.MatchScore,
		utc(existing.LastSeenAt), utc(existing.UpdatedAt), existing.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update listing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &UpsertResult{Listing: *existing, WasMatch: wasMatch}, nil
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var title, description, currency, location, url, image, seller, condition sql.NullString

	err := row.Scan(
		&l.ID, &l.RequirementID, &l.ExternalID, &title, &description, &l.Price, &currency, &location,
		&url, &image, &seller, &condition, &l.PostedAt, &l.TriageStatus, &l.IsMatch,
		&l.MatchScore, &l.DiscoveredAt, &l.LastSeenAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Title = title.String
	l.Description = description.String
	l.Currency = currency.String
	l.Location = location.String
	l.URL = url.String
	l.ImageURL = image.String
	l.SellerName = seller.String
	l.Condition = condition.String
	return &l, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (s *SQLiteStore) ListListings(ctx context.Context, requirementID uuid.UUID, matchesOnly bool) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings
		WHERE requirement_id = ? AND (? = 0 OR is_match)
		ORDER BY match_score DESC, discovered_at ASC`, requirementID, matchesOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTriageStatus(ctx context.Context, id uuid.UUID, status models.TriageStatus) (*models.Listing, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE listings SET triage_status = ?, updated_at = ? WHERE id = ?`, status, utc(time.Now()), id)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetListing(ctx, id)
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a *models.ScrapeAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_attempts (
			id, requirement_id, trigger_source, started_at, finished_at, outcome, error_class, error_detail,
			fetched_count, matched_count, new_count, newly_matched_count, persist_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RequirementID, a.Trigger, utc(a.StartedAt), nullableTime(a.FinishedAt), a.Outcome,
		a.ErrorClass, a.ErrorDetail, a.FetchedCount, a.MatchedCount, a.NewCount,
		a.NewlyMatchedCount, a.PersistFailures,
	)
	return err
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, requirementID uuid.UUID, limit int) ([]models.ScrapeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement_id, trigger_source, started_at, finished_at, outcome, error_class, error_detail,
			fetched_count, matched_count, new_count, newly_matched_count, persist_failures
		FROM scrape_attempts WHERE requirement_id = ?
		ORDER BY started_at DESC LIMIT ?`, requirementID, limit)
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

func (s *SQLiteStore) AppendLog(ctx context.Context, l *models.ScrapeLog) error {
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_logs (requirement_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)`, l.RequirementID, utc(ts), l.Level, l.Message)
	return err
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`, cmd, string(data), utc(time.Now()))
	return err
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, utc(time.Now()), id)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
