package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"buysmart/models"
	"buysmart/storage"
)

// ForceFailer finalizes a claim as failed without waiting for its job.
type ForceFailer interface {
	ForceFail(ctx context.Context, claim models.Claim, reason string) bool
}

// Watchdog fails claims that have been in progress longer than the claim
// TTL, so a crashed daemon or a hung job cannot block a requirement forever.
type Watchdog struct {
	store     storage.Store
	failer    ForceFailer
	ttl       time.Duration
	triggerCh chan struct{}
	logFunc   LogFunc
	now       func() time.Time
}

func NewWatchdog(store storage.Store, failer ForceFailer, ttl time.Duration) *Watchdog {
	return &Watchdog{
		store:     store,
		failer:    failer,
		ttl:       ttl,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		now:       time.Now,
	}
}

func (w *Watchdog) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the watchdog to sweep immediately
func (w *Watchdog) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[watchdog] stopping")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		case <-w.triggerCh:
			w.Sweep(ctx)
		}
	}
}

// Sweep force-fails every stale claim and returns how many it finalized.
func (w *Watchdog) Sweep(ctx context.Context) int {
	cutoff := w.now().Add(-w.ttl)
	claims, err := w.store.ListStaleClaims(ctx, cutoff)
	if err != nil {
		log.Printf("[watchdog] query error: %v", err)
		return 0
	}

	failed := 0
	for _, c := range claims {
		age := w.now().Sub(c.ClaimedAt).Truncate(time.Millisecond)
		reason := fmt.Sprintf("stale claim (held %s, ttl %s)", age, w.ttl)
		if w.failer.ForceFail(ctx, c, reason) {
			failed++
			log.Printf("[watchdog] force-failed %s: %s", c.RequirementID, reason)
			w.logFunc(models.LogLevelWarn, c.RequirementID.String(), reason)
		}
	}
	return failed
}
