package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buysmart/api"
	"buysmart/config"
	"buysmart/httputil"
	"buysmart/logging"
	"buysmart/notify"
	"buysmart/scheduler"
	"buysmart/scraper"
	"buysmart/services"
	"buysmart/storage"
	"buysmart/workers"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

var (
	scrapeOnce    = flag.Bool("scrape-once", false, "Scrape every due requirement once and exit")
	requirementID = flag.String("requirement", "", "With -scrape-once, scrape only this requirement")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath, cfg.LogMaxBytes)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting buysmart...")

	lock := flock.New(cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("Failed to acquire lock %s: %v", cfg.LockPath, err)
	}
	if !locked {
		log.Fatalf("Another buysmart daemon holds %s", cfg.LockPath)
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	publisher := newPublisher(ctx, cfg.RedisURL)

	mp, err := cfg.Marketplace()
	if err != nil {
		log.Fatalf("Failed to load marketplace: %v", err)
	}
	log.Printf("Marketplace: %s (%s), fetcher: %s", mp.Name, mp.ID, cfg.Scraper.Fetcher)
	if cfg.Proxy.URL != "" {
		log.Printf("Proxy: %s", maskConnectionString(cfg.Proxy.URL))
	}

	fetcher, closeFetcher, err := newFetcher(cfg, mp)
	if err != nil {
		log.Fatalf("Failed to create fetcher: %v", err)
	}
	defer closeFetcher()

	jobOpts := []scraper.JobOption{scraper.WithJobLogger(workers.StoreLogger(store))}
	if cfg.S3.Enabled() {
		archiver, err := storage.NewS3Archiver(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to create S3 archiver: %v", err)
		}
		jobOpts = append(jobOpts, scraper.WithArchiver(archiver))
		log.Printf("Archiving raw results to s3://%s", cfg.S3.Bucket)
	}

	listings := services.NewListingRepository(store, cfg.Scraper.PersistRetries, cfg.Scraper.PersistDelay)
	job := scraper.NewJob(fetcher, listings, cfg.Scraper.FetchTimeout, jobOpts...)
	orchestrator := scraper.NewOrchestrator(store, job, publisher, scraper.OrchestratorConfig{
		Interval:       cfg.Scheduler.Interval,
		Backoff:        scraper.Backoff{Base: cfg.Scraper.BackoffBase, Max: cfg.Scraper.BackoffMax},
		PermanentDelay: cfg.Scraper.PermanentDelay,
	})
	sched := scheduler.New(cfg.Scheduler, orchestrator, store)

	// Handle one-shot commands
	if *scrapeOnce {
		runOnce(ctx, sched, *requirementID)
		return
	}

	// Daemon mode
	watchdog := workers.NewWatchdog(store, orchestrator, cfg.Scheduler.ClaimTTL)
	watchdog.SetLogger(workers.StoreLogger(store))
	go watchdog.Run(ctx, cfg.Scheduler.WatchdogInterval)
	// Reap claims left behind by a previous crash before the first tick.
	watchdog.Trigger()
	log.Println("Watchdog started")

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(store, sched, orchestrator).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}
	cancel()
	log.Println("Goodbye!")
}

func runOnce(ctx context.Context, sched *scheduler.Scheduler, id string) {
	if id != "" {
		reqID, err := uuid.Parse(id)
		if err != nil {
			log.Fatalf("Invalid requirement id %q: %v", id, err)
		}
		result, err := sched.Trigger(ctx, reqID)
		if err != nil {
			log.Fatalf("Trigger failed: %v", err)
		}
		log.Printf("Requirement %s: %s", reqID, result)
	} else {
		log.Printf("Dispatched %d due requirements", sched.Tick(ctx))
	}

	if err := sched.Wait(ctx); err != nil {
		log.Fatalf("Scrape failed: %v", err)
	}
	log.Println("Scrape complete!")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return pg, nil
	case "memory":
		log.Println("Using in-memory store, data is lost on exit")
		return storage.NewMemoryStore(), nil
	default:
		s, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		log.Printf("SQLite database: %s", cfg.DBPath)
		return s, nil
	}
}

func newPublisher(ctx context.Context, redisURL string) notify.Publisher {
	if redisURL == "" {
		log.Println("REDIS_URL not set, outreach events are only logged")
		return notify.NewLogPublisher()
	}
	rdb, err := notify.NewRedisClient(ctx, redisURL)
	if err != nil {
		log.Printf("Warning: redis unavailable (%v), outreach events are only logged", err)
		return notify.NewLogPublisher()
	}
	log.Printf("Publishing outreach events to %s", maskConnectionString(redisURL))
	return notify.NewRedisPublisher(rdb)
}

func newFetcher(cfg *config.Config, mp *config.MarketplaceConfig) (scraper.Fetcher, func(), error) {
	switch cfg.Scraper.Fetcher {
	case "http":
		client := httputil.NewScrapingClient(cfg.Proxy, 0)
		f, err := scraper.NewHTTPFetcher(mp, client)
		return f, func() {}, err
	case "fake":
		return scraper.NewFakeFetcher(), func() {}, nil
	default:
		f, err := scraper.NewBrowserFetcher(mp, cfg.Scraper)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {
			if err := f.Close(); err != nil {
				log.Printf("Warning: browser close: %v", err)
			}
		}, nil
	}
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
