package scraper

import (
	"context"
	"fmt"
	"log"
	"time"

	"buysmart/identity"
	"buysmart/models"
	"buysmart/services"
	"buysmart/workers"
	"github.com/google/uuid"
)

// Archiver stores raw fetch results for later inspection.
type Archiver interface {
	ArchiveKey(requirementID, attemptID string, at time.Time) string
	Archive(ctx context.Context, key string, v any) error
}

// Job runs one scrape of one requirement. It reports the outcome and leaves
// every scraping-status field alone.
type Job struct {
	fetcher      Fetcher
	listings     *services.ListingRepository
	archiver     Archiver
	fetchTimeout time.Duration
	logFn        workers.LogFunc
	now          func() time.Time
}

type JobOption func(*Job)

func WithArchiver(a Archiver) JobOption {
	return func(j *Job) { j.archiver = a }
}

func WithJobLogger(fn workers.LogFunc) JobOption {
	return func(j *Job) { j.logFn = fn }
}

func WithClock(now func() time.Time) JobOption {
	return func(j *Job) { j.now = now }
}

func NewJob(fetcher Fetcher, listings *services.ListingRepository, fetchTimeout time.Duration, opts ...JobOption) *Job {
	j := &Job{
		fetcher:      fetcher,
		listings:     listings,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type archivedFetch struct {
	AttemptID     uuid.UUID          `json:"attempt_id"`
	RequirementID uuid.UUID          `json:"requirement_id"`
	Query         Query              `json:"query"`
	FetchedAt     time.Time          `json:"fetched_at"`
	Candidates    []models.Candidate `json:"candidates"`
}

// Run scrapes req once. It never returns an error; failures are described
// by the returned attempt.
func (j *Job) Run(ctx context.Context, req *models.Requirement, trigger models.Trigger) *models.ScrapeAttempt {
	attempt := &models.ScrapeAttempt{
		ID:            uuid.New(),
		RequirementID: req.ID,
		Trigger:       trigger,
		StartedAt:     j.now(),
		Outcome:       models.OutcomeSuccess,
	}
	defer func() {
		finished := j.now()
		attempt.FinishedAt = &finished
	}()

	q := QueryFor(req)
	candidates, err := j.fetch(ctx, q)
	if err != nil {
		class := ClassifyFetchError(err)
		if ctx.Err() != nil {
			class = models.ErrorClassCanceled
		}
		attempt.Fail(class, err)
		j.log(models.LogLevelError, req.ID, fmt.Sprintf("fetch failed (%s): %v", class, err))
		return attempt
	}

	for i := range candidates {
		candidates[i].ExternalID = identity.ExternalID(candidates[i])
	}
	candidates = dedupe(candidates)
	attempt.FetchedCount = len(candidates)
	j.archive(ctx, attempt, q, candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		now := j.now()
		res := services.Evaluate(req.Criteria, c, now)

		up, err := j.listings.Upsert(ctx, req.ID, c, res, now)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			attempt.PersistFailures++
			j.log(models.LogLevelWarn, req.ID, err.Error())
			continue
		}
		if res.IsMatch {
			attempt.MatchedCount++
		}
		if up.IsNew {
			attempt.NewCount++
		}
		if services.NewlyMatched(up) {
			attempt.NewlyMatchedCount++
			attempt.NewlyMatched = append(attempt.NewlyMatched, up.Listing.ID)
		}
	}

	if err := ctx.Err(); err != nil {
		attempt.Fail(models.ErrorClassCanceled, err)
		j.log(models.LogLevelWarn, req.ID, "scrape canceled before all listings were stored")
		return attempt
	}
	if attempt.PersistFailures > 0 {
		attempt.Outcome = models.OutcomePartial
		attempt.ErrorClass = models.ErrorClassPersistence
		attempt.ErrorDetail = fmt.Sprintf("%d of %d listings could not be stored", attempt.PersistFailures, attempt.FetchedCount)
	}

	j.log(models.LogLevelInfo, req.ID, fmt.Sprintf("fetched=%d matched=%d new=%d newly_matched=%d",
		attempt.FetchedCount, attempt.MatchedCount, attempt.NewCount, attempt.NewlyMatchedCount))
	return attempt
}

// fetch bounds the fetch by the fetch timeout and turns a fetcher panic
// into a transient error.
func (j *Job) fetch(ctx context.Context, q Query) (cands []models.Candidate, err error) {
	if j.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.fetchTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			cands = nil
			err = Transient(fmt.Errorf("fetcher panic: %v", r))
		}
	}()

	return j.fetcher.Fetch(ctx, q)
}

func (j *Job) archive(ctx context.Context, attempt *models.ScrapeAttempt, q Query, cands []models.Candidate) {
	if j.archiver == nil {
		return
	}
	key := j.archiver.ArchiveKey(attempt.RequirementID.String(), attempt.ID.String(), attempt.StartedAt)
	payload := archivedFetch{
		AttemptID:     attempt.ID,
		RequirementID: attempt.RequirementID,
		Query:         q,
		FetchedAt:     j.now(),
		Candidates:    cands,
	}
	if err := j.archiver.Archive(ctx, key, payload); err != nil {
		log.Printf("Warning: failed to archive fetch %s: %v", key, err)
	}
}

func (j *Job) log(level models.LogLevel, requirementID uuid.UUID, msg string) {
	log.Printf("[job] %s: %s", requirementID, msg)
	if j.logFn != nil {
		j.logFn(level, requirementID.String(), msg)
	}
}
