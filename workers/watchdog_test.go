package workers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"buysmart/models"
	"buysmart/storage"
	"github.com/google/uuid"
)

type recordingFailer struct {
	mu      sync.Mutex
	claims  []models.Claim
	reasons []string
	result  bool
}

func (f *recordingFailer) ForceFail(ctx context.Context, claim models.Claim, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claim)
	f.reasons = append(f.reasons, reason)
	return f.result
}

func (f *recordingFailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func claimed(t *testing.T, store storage.Store, token string, at time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	r := &models.Requirement{
		ID:             uuid.New(),
		UserID:         "buyer-1",
		Criteria:       models.Criteria{ProductQuery: "iphone 13"},
		Status:         models.RequirementActive,
		ScrapingStatus: models.ScrapingPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := store.CreateRequirement(ctx, r); err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	ok, err := store.ClaimRequirement(ctx, storage.ClaimRequest{RequirementID: r.ID, Token: token, Now: at})
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	return r.ID
}

func TestWatchdog_SweepFailsOnlyStaleClaims(t *testing.T) {
	store := storage.NewMemoryStore()
	stale := claimed(t, store, "old", sweepNow.Add(-45*time.Minute))
	claimed(t, store, "fresh", sweepNow.Add(-5*time.Minute))

	failer := &recordingFailer{result: true}
	var logged []string
	w := NewWatchdog(store, failer, 30*time.Minute)
	w.now = func() time.Time { return sweepNow }
	w.SetLogger(func(level models.LogLevel, requirementID, message string) {
		logged = append(logged, requirementID+" "+message)
	})

	if n := w.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected 1 stale claim failed, got %d", n)
	}
	if failer.claims[0].RequirementID != stale || failer.claims[0].Token != "old" {
		t.Fatalf("expected the stale claim to be failed with its token, got %+v", failer.claims[0])
	}
	if !strings.Contains(failer.reasons[0], "held 45m0s") {
		t.Fatalf("expected the claim age in the reason, got %q", failer.reasons[0])
	}
	if len(logged) != 1 || !strings.HasPrefix(logged[0], stale.String()) {
		t.Fatalf("expected one log line for the stale claim, got %v", logged)
	}
}

func TestWatchdog_ReasonKeepsSubSecondAge(t *testing.T) {
	store := storage.NewMemoryStore()
	claimed(t, store, "old", sweepNow.Add(-400*time.Millisecond))

	failer := &recordingFailer{result: true}
	w := NewWatchdog(store, failer, 350*time.Millisecond)
	w.now = func() time.Time { return sweepNow }

	if n := w.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected the claim past a short ttl to be failed, got %d", n)
	}
	if !strings.Contains(failer.reasons[0], "held 400ms, ttl 350ms") {
		t.Fatalf("expected millisecond ages in the reason, got %q", failer.reasons[0])
	}
}

func TestWatchdog_LostRaceIsNotCounted(t *testing.T) {
	store := storage.NewMemoryStore()
	claimed(t, store, "old", sweepNow.Add(-time.Hour))

	w := NewWatchdog(store, &recordingFailer{result: false}, 30*time.Minute)
	w.now = func() time.Time { return sweepNow }
	if n := w.Sweep(context.Background()); n != 0 {
		t.Fatalf("expected a claim finalized elsewhere not to be counted, got %d", n)
	}
}

func TestWatchdog_TriggerSweepsImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	claimed(t, store, "old", sweepNow.Add(-time.Hour))

	failer := &recordingFailer{result: true}
	w := NewWatchdog(store, failer, 30*time.Minute)
	w.now = func() time.Time { return sweepNow }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, time.Hour)
	w.Trigger()

	deadline := time.Now().Add(5 * time.Second)
	for failer.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected triggered sweep to run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
