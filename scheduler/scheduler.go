package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"buysmart/config"
	"buysmart/models"
	"buysmart/scraper"
	"buysmart/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// TriggerResult is the answer to a manual scrape request.
type TriggerResult string

const (
	TriggerAccepted       TriggerResult = "accepted"
	TriggerAlreadyRunning TriggerResult = "already_running"
	TriggerNotActive      TriggerResult = "not_active"
)

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("scheduler stopped")

type Scheduler struct {
	cfg          config.SchedulerConfig
	orchestrator *scraper.Orchestrator
	store        storage.Store
	cron         *cron.Cron
	sem          *semaphore.Weighted
	stopCh       chan struct{}
	stopOnce     sync.Once
	paused       atomic.Bool
	now          func() time.Time

	// Parent of every job context; canceled by Stop.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	// mu orders jobs.Add against Stop so no job is added once Stop waits.
	mu      sync.Mutex
	stopped bool
	jobs    sync.WaitGroup
}

func New(cfg config.SchedulerConfig, orchestrator *scraper.Orchestrator, store storage.Store) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		cron:         cron.New(),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stopCh:       make(chan struct{}),
		now:          time.Now,
		jobCtx:       jobCtx,
		jobCancel:    jobCancel,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	spec := s.cfg.Cron
	if spec == "" {
		if s.cfg.Tick <= 0 {
			log.Println("[scheduler] no schedule configured, daemon will only respond to triggers and commands")
			return nil
		}
		spec = "@every " + s.cfg.Tick.String()
	}

	log.Printf("[scheduler] starting with schedule %q (max %d concurrent jobs)", spec, s.cfg.MaxConcurrent)
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.cron.Start()

	go s.Tick(ctx)
	return nil
}

// Stop halts ticks and command polling, cancels running and queued jobs and
// waits for their finalization until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		<-s.cron.Stop().Done()
		close(s.stopCh)
		s.jobCancel()
	})
	return s.waitJobs(ctx)
}

// Wait blocks until every dispatched job has finalized.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.waitJobs(ctx)
}

func (s *Scheduler) waitJobs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) Pause() {
	s.paused.Store(true)
	log.Println("[scheduler] paused")
}

func (s *Scheduler) Resume() {
	s.paused.Store(false)
	log.Println("[scheduler] resumed")
}

func (s *Scheduler) IsPaused() bool {
	return s.paused.Load()
}

// Tick dispatches every due requirement unless the scheduler is paused. It
// returns the number of jobs started.
func (s *Scheduler) Tick(ctx context.Context) int {
	if s.IsPaused() {
		log.Println("[scheduler] paused, skipping tick")
		return 0
	}
	return s.tick(ctx, models.TriggerScheduled)
}

func (s *Scheduler) tick(ctx context.Context, trigger models.Trigger) int {
	ids, err := s.SelectDue(ctx, s.now())
	if err != nil {
		log.Printf("[scheduler] select due: %v", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	n := s.Dispatch(ctx, ids, trigger)
	log.Printf("[scheduler] %d due, %d dispatched", len(ids), n)
	return n
}

// SelectDue returns active requirements that are not in progress and whose
// next scrape time has passed, never-scraped first.
func (s *Scheduler) SelectDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.store.ListDueRequirements(ctx, now, s.cfg.BatchSize)
}

// Dispatch claims and starts a job for each id. Lost claims are skipped.
func (s *Scheduler) Dispatch(ctx context.Context, ids []uuid.UUID, trigger models.Trigger) int {
	started := 0
	for _, id := range ids {
		err := s.claimAndDispatch(ctx, id, trigger)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrStopped):
			return started
		case errors.Is(err, storage.ErrClaimConflict):
			log.Printf("[scheduler] skip %s: claimed elsewhere", id)
		default:
			log.Printf("[scheduler] claim %s: %v", id, err)
		}
	}
	return started
}

// Trigger requests an immediate scrape of one requirement.
func (s *Scheduler) Trigger(ctx context.Context, id uuid.UUID) (TriggerResult, error) {
	return s.trigger(ctx, id, models.TriggerManual)
}

func (s *Scheduler) trigger(ctx context.Context, id uuid.UUID, trigger models.Trigger) (TriggerResult, error) {
	err := s.claimAndDispatch(ctx, id, trigger)
	if err == nil {
		return TriggerAccepted, nil
	}
	if !errors.Is(err, storage.ErrClaimConflict) {
		return "", err
	}

	req, err := s.store.GetRequirement(ctx, id)
	if err != nil {
		return "", err
	}
	if req.ScrapingStatus == models.ScrapingInProgress {
		return TriggerAlreadyRunning, nil
	}
	if req.Status != models.RequirementActive {
		return TriggerNotActive, nil
	}
	// The competing job finished between the claim and the read.
	return TriggerAlreadyRunning, nil
}

// claimAndDispatch is the single entry point from ticks, triggers and
// commands into job execution.
func (s *Scheduler) claimAndDispatch(ctx context.Context, id uuid.UUID, trigger models.Trigger) error {
	if !s.beginJob() {
		return ErrStopped
	}
	claim, err := s.orchestrator.Claim(ctx, id, trigger)
	if err != nil {
		s.jobs.Done()
		return err
	}
	go s.run(claim, trigger)
	return nil
}

func (s *Scheduler) beginJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.jobs.Add(1)
	return true
}

func (s *Scheduler) run(claim *models.Claim, trigger models.Trigger) {
	defer s.jobs.Done()
	stopHeartbeat := s.heartbeat(claim)
	defer stopHeartbeat()

	if err := s.sem.Acquire(s.jobCtx, 1); err != nil {
		s.orchestrator.Abandon(s.jobCtx, claim, trigger, fmt.Errorf("shut down before the job started: %w", err))
		return
	}
	defer s.sem.Release(1)
	if err := s.jobCtx.Err(); err != nil {
		s.orchestrator.Abandon(s.jobCtx, claim, trigger, fmt.Errorf("shut down before the job started: %w", err))
		return
	}

	ok, err := s.orchestrator.Refresh(s.jobCtx, claim)
	if err != nil {
		s.orchestrator.Abandon(s.jobCtx, claim, trigger, fmt.Errorf("refresh claim: %w", err))
		return
	}
	if !ok {
		log.Printf("[scheduler] claim on %s lost while queued", claim.RequirementID)
		return
	}
	s.orchestrator.Execute(s.jobCtx, claim, trigger)
}

// heartbeat refreshes the claim every ClaimTTL/3 while the job waits for a
// slot or runs, so the watchdog only reaps claims nobody is refreshing.
// The returned func stops the heartbeat and waits for it to exit.
func (s *Scheduler) heartbeat(claim *models.Claim) func() {
	interval := s.cfg.ClaimTTL / 3
	if interval <= 0 {
		return func() {}
	}
	// Refresh writes ClaimedAt; keep that off the struct the job reads.
	c := *claim
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ok, err := s.orchestrator.Refresh(ctx, &c)
				cancel()
				if err != nil {
					log.Printf("[scheduler] heartbeat on %s: %v", c.RequirementID, err)
					continue
				}
				if !ok {
					// Finalized or taken over; nothing left to keep alive.
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.CommandPoll
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands(ctx)
	if err != nil {
		log.Printf("[scheduler] error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("[scheduler] processing command: %s", cmd.Command)
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Printf("[scheduler] command error: %v", err)
		}
		if err := s.store.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			log.Printf("[scheduler] error marking command processed: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := storage.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdScrapeRequirement:
		id, err := uuid.Parse(params.RequirementID)
		if err != nil {
			return fmt.Errorf("scrape_requirement: invalid requirement id %q: %w", params.RequirementID, err)
		}
		result, err := s.trigger(ctx, id, models.TriggerCommand)
		if err != nil {
			return err
		}
		log.Printf("[scheduler] scrape_requirement %s: %s", id, result)
	case models.CmdScrapeAll:
		s.tick(ctx, models.TriggerCommand)
	case models.CmdPause:
		s.Pause()
	case models.CmdResume:
		s.Resume()
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	return nil
}
