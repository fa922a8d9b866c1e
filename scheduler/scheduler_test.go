package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buysmart/config"
	"buysmart/models"
	"buysmart/notify"
	"buysmart/scraper"
	"buysmart/services"
	"buysmart/storage"
	"buysmart/workers"
	"github.com/google/uuid"
)

type fixture struct {
	store   *storage.MemoryStore
	fetcher *scraper.FakeFetcher
	orch    *scraper.Orchestrator
	sched   *Scheduler
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	return newFixtureConfig(t, config.SchedulerConfig{BatchSize: 50, MaxConcurrent: maxConcurrent})
}

func newFixtureConfig(t *testing.T, cfg config.SchedulerConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		fetcher: scraper.NewFakeFetcher(),
	}
	f.fetcher.Started = make(chan string, 16)
	job := scraper.NewJob(f.fetcher, services.NewListingRepository(f.store, 0, 0), 0)
	f.orch = scraper.NewOrchestrator(f.store, job, notify.NewLogPublisher(), scraper.OrchestratorConfig{
		Interval:       6 * time.Hour,
		Backoff:        scraper.Backoff{Base: 5 * time.Minute, Max: time.Hour},
		PermanentDelay: 7 * 24 * time.Hour,
	})
	f.sched = New(cfg, f.orch, f.store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.sched.Stop(ctx)
	})
	return f
}

func (f *fixture) seed(t *testing.T, query string) uuid.UUID {
	t.Helper()
	now := time.Now()
	r := &models.Requirement{
		ID:             uuid.New(),
		UserID:         "buyer-1",
		Criteria:       models.Criteria{ProductQuery: query},
		Status:         models.RequirementActive,
		ScrapingStatus: models.ScrapingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.store.CreateRequirement(context.Background(), r); err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	return r.ID
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Wait(ctx); err != nil {
		t.Fatalf("jobs did not finish: %v", err)
	}
}

func (f *fixture) status(t *testing.T, id uuid.UUID) models.ScrapingStatus {
	t.Helper()
	r, err := f.store.GetRequirement(context.Background(), id)
	if err != nil {
		t.Fatalf("get requirement: %v", err)
	}
	return r.ScrapingStatus
}

func waitStarted(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case <-f.fetcher.Started:
	case <-time.After(5 * time.Second):
		t.Fatalf("fetch never started")
	}
}

func TestScheduler_ConcurrentTicksRunOneJobPerRequirement(t *testing.T) {
	f := newFixture(t, 4)
	id := f.seed(t, "iphone 13")
	f.fetcher.Script("iphone 13", scraper.FakeResponse{Delay: 50 * time.Millisecond})

	var wg sync.WaitGroup
	started := make([]int, 8)
	for i := range started {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started[i] = f.sched.Tick(context.Background())
		}(i)
	}
	wg.Wait()
	f.wait(t)

	total := 0
	for _, n := range started {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one dispatch across ticks, got %d", total)
	}
	if f.fetcher.Calls("iphone 13") != 1 || f.fetcher.MaxInFlight("iphone 13") != 1 {
		t.Fatalf("expected a single fetch, got %d calls", f.fetcher.Calls("iphone 13"))
	}
	if got := f.status(t, id); got != models.ScrapingCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestScheduler_GlobalConcurrencyCap(t *testing.T) {
	f := newFixture(t, 2)
	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		q := fmt.Sprintf("item %d", i)
		ids = append(ids, f.seed(t, q))
		f.fetcher.Script(q, scraper.FakeResponse{Delay: 30 * time.Millisecond})
	}

	if n := f.sched.Tick(context.Background()); n != 6 {
		t.Fatalf("expected 6 dispatched, got %d", n)
	}
	f.wait(t)

	if got := f.fetcher.MaxInFlightTotal(); got > 2 {
		t.Fatalf("expected at most 2 concurrent fetches, got %d", got)
	}
	for _, id := range ids {
		if got := f.status(t, id); got != models.ScrapingCompleted {
			t.Fatalf("requirement %s: expected completed, got %s", id, got)
		}
	}
}

func TestScheduler_NotDueIsSkipped(t *testing.T) {
	f := newFixture(t, 1)
	id := f.seed(t, "iphone 13")
	if _, err := f.store.ClaimRequirement(context.Background(), storage.ClaimRequest{
		RequirementID: id, Token: "t1", Now: time.Now(),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now := time.Now()
	if _, err := f.store.FinalizeRequirement(context.Background(), storage.Finalization{
		RequirementID: id, Token: "t1", Status: models.ScrapingCompleted,
		Now: now, LastScrapedAt: &now, NextScrapeAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if n := f.sched.Tick(context.Background()); n != 0 {
		t.Fatalf("expected nothing due, got %d dispatched", n)
	}
}

func TestScheduler_TriggerResults(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.seed(t, "iphone 13")
	f.fetcher.Script("iphone 13", scraper.FakeResponse{Delay: time.Hour})

	res, err := f.sched.Trigger(ctx, id)
	if err != nil || res != TriggerAccepted {
		t.Fatalf("expected accepted, got %s %v", res, err)
	}
	waitStarted(t, f)

	res, err = f.sched.Trigger(ctx, id)
	if err != nil || res != TriggerAlreadyRunning {
		t.Fatalf("expected already_running, got %s %v", res, err)
	}

	paused := f.seed(t, "macbook")
	if err := f.store.SetRequirementStatus(ctx, paused, models.RequirementPaused); err != nil {
		t.Fatalf("pause requirement: %v", err)
	}
	res, err = f.sched.Trigger(ctx, paused)
	if err != nil || res != TriggerNotActive {
		t.Fatalf("expected not_active, got %s %v", res, err)
	}

	if _, err := f.sched.Trigger(ctx, uuid.New()); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_TriggerIgnoresNextScrapeAt(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.seed(t, "iphone 13")

	if res, _ := f.sched.Trigger(ctx, id); res != TriggerAccepted {
		t.Fatalf("expected accepted, got %s", res)
	}
	f.wait(t)

	// next_scrape_at is now six hours out; a manual trigger still runs.
	if res, _ := f.sched.Trigger(ctx, id); res != TriggerAccepted {
		t.Fatalf("expected second trigger to be accepted, got %s", res)
	}
	f.wait(t)
	if f.fetcher.Calls("iphone 13") != 2 {
		t.Fatalf("expected two fetches, got %d", f.fetcher.Calls("iphone 13"))
	}
}

func TestScheduler_PauseSkipsTicks(t *testing.T) {
	f := newFixture(t, 1)
	f.seed(t, "iphone 13")

	f.sched.Pause()
	if n := f.sched.Tick(context.Background()); n != 0 {
		t.Fatalf("expected paused tick to dispatch nothing, got %d", n)
	}
	f.sched.Resume()
	if n := f.sched.Tick(context.Background()); n != 1 {
		t.Fatalf("expected resumed tick to dispatch 1, got %d", n)
	}
	f.wait(t)
}

func TestScheduler_Commands(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.seed(t, "iphone 13")

	if err := f.store.EnqueueCommand(ctx, models.CmdPause, models.CommandParams{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.store.EnqueueCommand(ctx, models.CmdScrapeRequirement, models.CommandParams{RequirementID: id.String()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.sched.processCommands(ctx)
	f.wait(t)

	if !f.sched.IsPaused() {
		t.Fatalf("expected pause command to pause the scheduler")
	}
	if got := f.status(t, id); got != models.ScrapingCompleted {
		t.Fatalf("expected scrape_requirement to run while paused, got %s", got)
	}
	attempts, _ := f.store.ListAttempts(ctx, id, 10)
	if len(attempts) != 1 || attempts[0].Trigger != models.TriggerCommand {
		t.Fatalf("expected one command-triggered attempt, got %+v", attempts)
	}

	pending, _ := f.store.GetPendingCommands(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected commands to be marked processed, got %d pending", len(pending))
	}
}

func TestScheduler_StopFinalizesRunningAndQueuedJobs(t *testing.T) {
	f := newFixture(t, 1)
	running := f.seed(t, "iphone 13")
	queued := f.seed(t, "macbook")
	f.fetcher.Script("iphone 13", scraper.FakeResponse{Delay: time.Hour})
	f.fetcher.Script("macbook", scraper.FakeResponse{Delay: time.Hour})

	if n := f.sched.Tick(context.Background()); n != 2 {
		t.Fatalf("expected 2 dispatched, got %d", n)
	}
	waitStarted(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, id := range []uuid.UUID{running, queued} {
		r, _ := f.store.GetRequirement(context.Background(), id)
		if r.ScrapingStatus != models.ScrapingFailed || r.ClaimToken != "" {
			t.Fatalf("requirement %s: expected failed and unclaimed after stop, got %s", id, r.ScrapingStatus)
		}
	}
	if f.fetcher.Calls("iphone 13")+f.fetcher.Calls("macbook") != 1 {
		t.Fatalf("expected the queued job never to fetch")
	}
}

func TestScheduler_HeartbeatKeepsQueuedClaimsAlive(t *testing.T) {
	const ttl = 300 * time.Millisecond
	f := newFixtureConfig(t, config.SchedulerConfig{BatchSize: 50, MaxConcurrent: 1, ClaimTTL: ttl})
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		q := fmt.Sprintf("item %d", i)
		ids = append(ids, f.seed(t, q))
		f.fetcher.Script(q, scraper.FakeResponse{Delay: 250 * time.Millisecond})
	}

	// The last job waits two fetches for its slot, well past the ttl.
	watchdog := workers.NewWatchdog(f.store, f.orch, ttl)
	var reaped atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reaped.Add(int32(watchdog.Sweep(ctx)))
			}
		}
	}()

	if n := f.sched.Tick(context.Background()); n != 3 {
		t.Fatalf("expected 3 dispatched, got %d", n)
	}
	f.wait(t)
	cancel()
	<-sweeperDone

	if n := reaped.Load(); n != 0 {
		t.Fatalf("expected no live claim to be reaped, got %d", n)
	}
	for i, id := range ids {
		r, _ := f.store.GetRequirement(context.Background(), id)
		if r.ScrapingStatus != models.ScrapingCompleted || r.ScrapeAttemptCount != 0 {
			t.Fatalf("requirement %d: expected completed with no failed attempts, got %s/%d", i, r.ScrapingStatus, r.ScrapeAttemptCount)
		}
		if calls := f.fetcher.Calls(fmt.Sprintf("item %d", i)); calls != 1 {
			t.Fatalf("requirement %d: expected one fetch, got %d", i, calls)
		}
	}
}

func TestScheduler_TriggerAfterStopIsRejected(t *testing.T) {
	f := newFixture(t, 1)
	id := f.seed(t, "iphone 13")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := f.sched.Trigger(ctx, id); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if n := f.sched.Tick(ctx); n != 0 {
		t.Fatalf("expected a tick after stop to dispatch nothing, got %d", n)
	}
	if got := f.status(t, id); got != models.ScrapingPending {
		t.Fatalf("expected requirement to stay pending, got %s", got)
	}
	if f.fetcher.Calls("iphone 13") != 0 {
		t.Fatalf("expected no fetch after stop")
	}
}

func TestScheduler_StopRacingTriggersLeavesNoClaim(t *testing.T) {
	f := newFixture(t, 2)
	var ids []uuid.UUID
	for i := 0; i < 20; i++ {
		ids = append(ids, f.seed(t, fmt.Sprintf("item %d", i)))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := f.sched.Trigger(context.Background(), id); err != nil && !errors.Is(err, ErrStopped) {
				t.Errorf("trigger %s: %v", id, err)
			}
		}(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	for _, id := range ids {
		r, _ := f.store.GetRequirement(context.Background(), id)
		if r.ScrapingStatus == models.ScrapingInProgress || r.ClaimToken != "" {
			t.Fatalf("requirement %s: still claimed after stop", id)
		}
	}
}
