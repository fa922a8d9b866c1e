package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"buysmart/models"
	"buysmart/notify"
	"buysmart/storage"
	"github.com/google/uuid"
)

const defaultFinalizeTimeout = 30 * time.Second

// OrchestratorConfig holds the scheduling policy applied at finalization.
type OrchestratorConfig struct {
	Interval        time.Duration
	Backoff         Backoff
	PermanentDelay  time.Duration
	FinalizeTimeout time.Duration
}

type runningJob struct {
	token  string
	cancel context.CancelFunc
}

// Orchestrator is the only writer of scraping status. Jobs report outcomes,
// the orchestrator turns them into one token-conditioned finalization.
type Orchestrator struct {
	store     storage.Store
	job       *Job
	publisher notify.Publisher
	cfg       OrchestratorConfig
	now       func() time.Time

	mu      sync.Mutex
	running map[uuid.UUID]runningJob
}

func NewOrchestrator(store storage.Store, job *Job, publisher notify.Publisher, cfg OrchestratorConfig) *Orchestrator {
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	return &Orchestrator{
		store:     store,
		job:       job,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		running:   make(map[uuid.UUID]runningJob),
	}
}

// SetClock replaces the orchestrator clock. Tests only.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Claim moves a requirement to in_progress under a fresh token. Scheduled
// claims additionally require the requirement to be due. A lost race
// returns storage.ErrClaimConflict.
func (o *Orchestrator) Claim(ctx context.Context, id uuid.UUID, trigger models.Trigger) (*models.Claim, error) {
	now := o.now()
	token := uuid.NewString()
	ok, err := o.store.ClaimRequirement(ctx, storage.ClaimRequest{
		RequirementID: id,
		Token:         token,
		Now:           now,
		RequireDue:    trigger == models.TriggerScheduled,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrClaimConflict
	}
	return &models.Claim{RequirementID: id, Token: token, ClaimedAt: now}, nil
}

// Refresh renews a queued claim so the watchdog does not reap it while the
// job waits for a slot. It reports false when the claim was lost.
func (o *Orchestrator) Refresh(ctx context.Context, claim *models.Claim) (bool, error) {
	now := o.now()
	ok, err := o.store.RefreshClaim(ctx, claim.RequirementID, claim.Token, now)
	if ok {
		claim.ClaimedAt = now
	}
	return ok, err
}

// Execute runs the job for a claimed requirement and finalizes the claim.
// Finalization always happens, including on cancellation and panics.
func (o *Orchestrator) Execute(ctx context.Context, claim *models.Claim, trigger models.Trigger) (attempt *models.ScrapeAttempt) {
	jobCtx, cancel := context.WithCancel(ctx)
	o.track(claim, cancel)
	defer o.untrack(claim)
	defer cancel()

	var req *models.Requirement
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[orchestrator] panic scraping %s: %v", claim.RequirementID, r)
			attempt = o.failedAttempt(claim, trigger, models.ErrorClassTransient, fmt.Errorf("panic: %v", r))
		}
		if attempt == nil {
			attempt = o.failedAttempt(claim, trigger, models.ErrorClassCanceled, errors.New("job ended without an outcome"))
		}
		o.finalize(ctx, claim, req, attempt)
	}()

	var err error
	req, err = o.store.GetRequirement(jobCtx, claim.RequirementID)
	if err != nil {
		class := models.ErrorClassTransient
		if jobCtx.Err() != nil {
			class = models.ErrorClassCanceled
		}
		return o.failedAttempt(claim, trigger, class, fmt.Errorf("load requirement: %w", err))
	}

	o.log(models.LogLevelInfo, claim.RequirementID, fmt.Sprintf("scraping %q (%s)", req.ProductQuery, trigger))
	return o.job.Run(jobCtx, req, trigger)
}

// Abandon finalizes a claim whose job never started, e.g. when the daemon
// shuts down while the job waits for a slot.
func (o *Orchestrator) Abandon(ctx context.Context, claim *models.Claim, trigger models.Trigger, err error) {
	o.finalize(ctx, claim, nil, o.failedAttempt(claim, trigger, models.ErrorClassCanceled, err))
}

// ForceFail fails a stale claim and cancels its job if it runs here. It
// reports whether this call performed the finalization.
func (o *Orchestrator) ForceFail(ctx context.Context, claim models.Claim, reason string) bool {
	attempt := o.failedAttempt(&claim, models.TriggerWatchdog, models.ErrorClassTransient, errors.New(reason))
	ok := o.finalize(ctx, &claim, nil, attempt)

	o.mu.Lock()
	rj, running := o.running[claim.RequirementID]
	o.mu.Unlock()
	if running && rj.token == claim.Token {
		rj.cancel()
	}
	return ok
}

// Cancel stops the job running here for a requirement. The job finalizes
// as failed with class canceled.
func (o *Orchestrator) Cancel(id uuid.UUID) bool {
	o.mu.Lock()
	rj, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		rj.cancel()
	}
	return ok
}

// IsRunning reports whether a job for the requirement runs in this process.
func (o *Orchestrator) IsRunning(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

func (o *Orchestrator) track(claim *models.Claim, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[claim.RequirementID] = runningJob{token: claim.Token, cancel: cancel}
}

func (o *Orchestrator) untrack(claim *models.Claim) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rj, ok := o.running[claim.RequirementID]; ok && rj.token == claim.Token {
		delete(o.running, claim.RequirementID)
	}
}

func (o *Orchestrator) failedAttempt(claim *models.Claim, trigger models.Trigger, class models.ErrorClass, err error) *models.ScrapeAttempt {
	now := o.now()
	a := &models.ScrapeAttempt{
		ID:            uuid.New(),
		RequirementID: claim.RequirementID,
		Trigger:       trigger,
		StartedAt:     now,
		FinishedAt:    &now,
	}
	a.Fail(class, err)
	return a
}

// finalize writes the single status transition that ends a claim, appends
// the attempt and publishes events. It runs detached from ctx cancellation.
func (o *Orchestrator) finalize(ctx context.Context, claim *models.Claim, req *models.Requirement, attempt *models.ScrapeAttempt) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FinalizeTimeout)
	defer cancel()

	if req == nil {
		r, err := o.store.GetRequirement(ctx, claim.RequirementID)
		if err != nil {
			log.Printf("[orchestrator] load requirement %s for finalization: %v", claim.RequirementID, err)
			r = &models.Requirement{ID: claim.RequirementID}
		}
		req = r
	}

	f := o.finalization(claim, req, attempt)
	ok, err := o.store.FinalizeRequirement(ctx, f)
	if err != nil {
		// The claim stays in_progress and is reaped by the watchdog.
		log.Printf("[orchestrator] finalize %s: %v", claim.RequirementID, err)
	}

	if err := o.store.AppendAttempt(ctx, attempt); err != nil {
		log.Printf("Warning: failed to record attempt for %s: %v", claim.RequirementID, err)
	}

	if !ok {
		if err == nil {
			o.log(models.LogLevelWarn, claim.RequirementID, "claim was taken over before finalization, outcome discarded")
		}
		return false
	}

	switch f.Status {
	case models.ScrapingCompleted:
		o.log(models.LogLevelInfo, claim.RequirementID, fmt.Sprintf("completed (%s), next scrape %s", attempt.Outcome, f.NextScrapeAt.Format(time.RFC3339)))
		o.publishMatches(ctx, req, attempt)
	case models.ScrapingFailed:
		o.log(models.LogLevelError, claim.RequirementID, fmt.Sprintf("failed (%s, attempt %d), next scrape %s: %s",
			attempt.ErrorClass, f.AttemptCount, f.NextScrapeAt.Format(time.RFC3339), attempt.ErrorDetail))
		if attempt.ErrorClass == models.ErrorClassPermanent {
			o.publishAlert(ctx, req, attempt, f)
		}
	}
	return true
}

// finalization derives the persisted transition from an attempt.
func (o *Orchestrator) finalization(claim *models.Claim, req *models.Requirement, attempt *models.ScrapeAttempt) storage.Finalization {
	now := o.now()
	f := storage.Finalization{
		RequirementID:  claim.RequirementID,
		Token:          claim.Token,
		Now:            now,
		RecountListing: true,
	}

	switch attempt.Outcome {
	case models.OutcomeSuccess:
		f.Status = models.ScrapingCompleted
		f.LastScrapedAt = &now
		f.NextScrapeAt = now.Add(o.cfg.Interval)
	case models.OutcomePartial:
		f.Status = models.ScrapingCompleted
		f.LastScrapedAt = &now
		f.NextScrapeAt = now.Add(o.cfg.Backoff.Base)
		f.LastError = attempt.ErrorDetail
	default:
		f.Status = models.ScrapingFailed
		f.AttemptCount = req.ScrapeAttemptCount + 1
		f.LastError = userMessage(attempt)
		if attempt.ErrorClass == models.ErrorClassPermanent {
			f.NextScrapeAt = now.Add(o.cfg.PermanentDelay)
		} else {
			f.NextScrapeAt = now.Add(o.cfg.Backoff.Delay(f.AttemptCount))
		}
	}
	return f
}

func userMessage(a *models.ScrapeAttempt) string {
	switch a.ErrorClass {
	case models.ErrorClassPermanent:
		return "The marketplace rejected this search. Please review the requirement: " + a.ErrorDetail
	case models.ErrorClassCanceled:
		return "Scraping was interrupted: " + a.ErrorDetail
	default:
		return "Scraping failed temporarily and will be retried: " + a.ErrorDetail
	}
}

func (o *Orchestrator) publishMatches(ctx context.Context, req *models.Requirement, attempt *models.ScrapeAttempt) {
	if o.publisher == nil {
		return
	}
	for _, id := range attempt.NewlyMatched {
		l, err := o.store.GetListing(ctx, id)
		if err != nil {
			log.Printf("Warning: load newly matched listing %s: %v", id, err)
			continue
		}
		ev := notify.NewMatchEvent{
			RequirementID: req.ID,
			UserID:        req.UserID,
			ListingID:     l.ID,
			ExternalID:    l.ExternalID,
			Title:         l.Title,
			Price:         l.Price,
			Currency:      l.Currency,
			URL:           l.URL,
			SellerName:    l.SellerName,
			MatchScore:    l.MatchScore,
			MatchedAt:     o.now(),
		}
		if err := o.publisher.NewMatch(ctx, ev); err != nil {
			log.Printf("Warning: failed to publish new match %s: %v", id, err)
		}
	}
}

func (o *Orchestrator) publishAlert(ctx context.Context, req *models.Requirement, attempt *models.ScrapeAttempt, f storage.Finalization) {
	if o.publisher == nil {
		return
	}
	a := notify.Alert{
		RequirementID: req.ID,
		UserID:        req.UserID,
		ErrorClass:    string(attempt.ErrorClass),
		Message:       f.LastError,
		NextScrapeAt:  f.NextScrapeAt,
		RaisedAt:      f.Now,
	}
	if err := o.publisher.Alert(ctx, a); err != nil {
		log.Printf("Warning: failed to publish alert for %s: %v", req.ID, err)
	}
}

func (o *Orchestrator) log(level models.LogLevel, requirementID uuid.UUID, msg string) {
	log.Printf("[orchestrator] [%s] %s: %s", level, requirementID, msg)
	entry := &models.ScrapeLog{
		RequirementID: requirementID.String(),
		Timestamp:     o.now(),
		Level:         level,
		Message:       msg,
	}
	if err := o.store.AppendLog(context.Background(), entry); err != nil {
		log.Printf("Warning: failed to persist log line: %v", err)
	}
}
