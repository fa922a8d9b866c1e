package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"buysmart/models"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs STORE=memory and the
// orchestrator tests; a mutex section plays the role of a transaction.
type MemoryStore struct {
	mu           sync.Mutex
	requirements map[uuid.UUID]*models.Requirement
	listings     map[uuid.UUID]*models.Listing
	byExternal   map[listingKey]uuid.UUID
	attempts     []models.ScrapeAttempt
	logs         []models.ScrapeLog
	commands     []models.Command
	nextCmdID    int64
	nextLogID    int64

	failUpserts int
}

var errInjected = errors.New("injected upsert failure")

type listingKey struct {
	requirementID uuid.UUID
	externalID    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requirements: make(map[uuid.UUID]*models.Requirement),
		listings:     make(map[uuid.UUID]*models.Listing),
		byExternal:   make(map[listingKey]uuid.UUID),
	}
}

func (s *MemoryStore) Close() error { return nil }

// FailNextUpserts injects n persistence failures.
func (s *MemoryStore) FailNextUpserts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpserts = n
}

func (s *MemoryStore) CreateRequirement(ctx context.Context, r *models.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := cloneRequirement(r)
	s.requirements[r.ID] = cp
	return nil
}

func (s *MemoryStore) GetRequirement(ctx context.Context, id uuid.UUID) (*models.Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requirements[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequirement(r), nil
}

func (s *MemoryStore) SetRequirementStatus(ctx context.Context, id uuid.UUID, status models.RequirementStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requirements[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListDueRequirements(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Requirement
	for _, r := range s.requirements {
		if isDue(r, now) {
			due = append(due, r)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].NextScrapeAt, due[j].NextScrapeAt
		switch {
		case a == nil && b == nil:
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, 0, len(due))
	for _, r := range due {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func isDue(r *models.Requirement, now time.Time) bool {
	if r.Status != models.RequirementActive || r.ScrapingStatus == models.ScrapingInProgress {
		return false
	}
	return r.NextScrapeAt == nil || !r.NextScrapeAt.After(now)
}

func (s *MemoryStore) ClaimRequirement(ctx context.Context, req ClaimRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requirements[req.RequirementID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.RequirementActive || !r.ScrapingStatus.Claimable() {
		return false, nil
	}
	if req.RequireDue && r.NextScrapeAt != nil && r.NextScrapeAt.After(req.Now) {
		return false, nil
	}

	now := req.Now
	r.ScrapingStatus = models.ScrapingInProgress
	r.ClaimToken = req.Token
	r.ClaimedAt = &now
	r.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RefreshClaim(ctx context.Context, id uuid.UUID, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requirements[id]
	if !ok || r.ClaimToken != token || r.ScrapingStatus != models.ScrapingInProgress {
		return false, nil
	}
	r.ClaimedAt = &now
	return true, nil
}

func (s *MemoryStore) FinalizeRequirement(ctx context.Context, f Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requirements[f.RequirementID]
	if !ok || r.ClaimToken != f.Token || r.ScrapingStatus != models.ScrapingInProgress {
		return false, nil
	}

	r.ScrapingStatus = f.Status
	if f.LastScrapedAt != nil {
		t := *f.LastScrapedAt
		r.LastScrapedAt = &t
	}
	next := f.NextScrapeAt
	r.NextScrapeAt = &next
	r.ScrapeAttemptCount = f.AttemptCount
	r.LastError = f.LastError
	r.ClaimToken = ""
	r.ClaimedAt = nil
	r.UpdatedAt = f.Now

	if f.RecountListing {
		total, matching := 0, 0
		for _, l := range s.listings {
			if l.RequirementID != r.ID {
				continue
			}
			total++
			if l.IsMatch {
				matching++
			}
		}
		r.TotalListingsFound = total
		r.MatchingListingsCount = matching
	}
	return true, nil
}

func (s *MemoryStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time) ([]models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claims []models.Claim
	for _, r := range s.requirements {
		if r.ScrapingStatus != models.ScrapingInProgress || r.ClaimedAt == nil {
			continue
		}
		if r.ClaimedAt.Before(claimedBefore) {
			claims = append(claims, models.Claim{RequirementID: r.ID, Token: r.ClaimToken, ClaimedAt: *r.ClaimedAt})
		}
	}
	return claims, nil
}

func (s *MemoryStore) UpsertListing(ctx context.Context, l *models.Listing) (*UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpserts > 0 {
		s.failUpserts--
		return nil, errInjected
	}

	key := listingKey{l.RequirementID, l.ExternalID}
	if id, ok := s.byExternal[key]; ok {
		existing := s.listings[id]
		wasMatch := existing.IsMatch
		applyMutableFields(existing, l)
		return &UpsertResult{Listing: *existing, WasMatch: wasMatch}, nil
	}

	cp := *l
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.listings[cp.ID] = &cp
	s.byExternal[key] = cp.ID
	return &UpsertResult{Listing: cp, IsNew: true}, nil
}

// applyMutableFields copies the re-sightable fields; triage status and
// discovery time stay with the stored row.
func applyMutableFields(dst, src *models.Listing) {
	dst.Title = src.Title
	dst.Description = src.Description
	dst.Price = src.Price
	dst.Currency = src.Currency
	dst.Location = src.Location
	dst.URL = src.URL
	dst.ImageURL = src.ImageURL
	dst.SellerName = src.SellerName
	dst.Condition = src.Condition
	dst.PostedAt = src.PostedAt
	dst.IsMatch = src.IsMatch
	dst.MatchScore = src.MatchScore
	dst.LastSeenAt = src.LastSeenAt
	dst.UpdatedAt = src.UpdatedAt
}

func (s *MemoryStore) GetListing(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListListings(ctx context.Context, requirementID uuid.UUID, matchesOnly bool) ([]models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Listing
	for _, l := range s.listings {
		if l.RequirementID != requirementID || (matchesOnly && !l.IsMatch) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateTriageStatus(ctx context.Context, id uuid.UUID, status models.TriageStatus) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	l.TriageStatus = status
	l.UpdatedAt = time.Now()
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) AppendAttempt(ctx context.Context, a *models.ScrapeAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.NewlyMatched = nil
	s.attempts = append(s.attempts, cp)
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, requirementID uuid.UUID, limit int) ([]models.ScrapeAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ScrapeAttempt
	for i := len(s.attempts) - 1; i >= 0; i-- {
		if s.attempts[i].RequirementID != requirementID {
			continue
		}
		out = append(out, s.attempts[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, l *models.ScrapeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	cp := *l
	cp.ID = s.nextLogID
	s.logs = append(s.logs, cp)
	return nil
}

func (s *MemoryStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params models.CommandParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCmdID++
	s.commands = append(s.commands, models.Command{
		ID:        s.nextCmdID,
		Command:   cmd,
		Params:    data,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Command
	for _, c := range s.commands {
		if c.ProcessedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for i := range s.commands {
		if s.commands[i].ID == id {
			s.commands[i].ProcessedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func cloneRequirement(r *models.Requirement) *models.Requirement {
	cp := *r
	cp.DealBreakers = append([]string(nil), r.DealBreakers...)
	cp.ConditionPreferences = append([]string(nil), r.ConditionPreferences...)
	return &cp
}

// Logs returns the persisted log lines for one requirement.
func (s *MemoryStore) Logs(requirementID string) []models.ScrapeLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ScrapeLog
	for _, l := range s.logs {
		if l.RequirementID == requirementID {
			out = append(out, l)
		}
	}
	return out
}
