package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buysmart/models"
	"buysmart/scheduler"
	"buysmart/storage"
	"github.com/google/uuid"
)

type stubTriggerer struct {
	result scheduler.TriggerResult
	err    error
	calls  []uuid.UUID
}

func (s *stubTriggerer) Trigger(ctx context.Context, id uuid.UUID) (scheduler.TriggerResult, error) {
	s.calls = append(s.calls, id)
	return s.result, s.err
}

type stubCanceler struct {
	running map[uuid.UUID]bool
}

func (c *stubCanceler) Cancel(id uuid.UUID) bool {
	return c.running[id]
}

var apiNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*storage.MemoryStore, *stubTriggerer, *stubCanceler, http.Handler) {
	t.Helper()
	store := storage.NewMemoryStore()
	trig := &stubTriggerer{result: scheduler.TriggerAccepted}
	canc := &stubCanceler{running: map[uuid.UUID]bool{}}
	s := NewServer(store, trig, canc)
	s.now = func() time.Time { return apiNow }
	return store, trig, canc, s.Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createRequirement(t *testing.T, h http.Handler) models.Requirement {
	t.Helper()
	rec := do(t, h, "POST", "/requirements", map[string]any{
		"user_id":               "buyer-1",
		"product_query":         " iPhone 13 ",
		"budget_min":            30000,
		"budget_max":            90000,
		"condition_preferences": []string{"Like New"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var r models.Requirement
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode requirement: %v", err)
	}
	return r
}

func TestCreateAndGetRequirement(t *testing.T) {
	_, _, _, h := newTestServer(t)
	r := createRequirement(t, h)

	if r.ProductQuery != "iPhone 13" || r.Timeline != models.TimelineFlexible {
		t.Fatalf("expected trimmed query and default timeline, got %+v", r.Criteria)
	}
	if r.ScrapingStatus != models.ScrapingPending || r.Status != models.RequirementActive {
		t.Fatalf("expected new requirement to be active and pending, got %s/%s", r.Status, r.ScrapingStatus)
	}
	if len(r.ConditionPreferences) != 1 || r.ConditionPreferences[0] != "like_new" {
		t.Fatalf("expected normalized condition preferences, got %v", r.ConditionPreferences)
	}

	rec := do(t, h, "GET", "/requirements/"+r.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var got map[string]any
	json.Unmarshal(rec.Body.Bytes(), &got)
	for _, field := range []string{"scraping_status", "total_listings_found", "matching_listings_count", "last_scraped_at", "next_scrape_at", "scrape_attempt_count"} {
		if _, ok := got[field]; !ok {
			t.Fatalf("expected field %s in response %v", field, got)
		}
	}
	if _, ok := got["claim_token"]; ok {
		t.Fatalf("claim token must not be exposed")
	}
}

func TestCreateRequirement_Validation(t *testing.T) {
	_, _, _, h := newTestServer(t)
	tests := []map[string]any{
		{"user_id": "buyer-1"},
		{"user_id": "buyer-1", "product_query": "iphone", "budget_min": 10, "budget_max": 5},
		{"user_id": "buyer-1", "product_query": "iphone", "timeline": "someday"},
		{"product_query": "iphone"},
	}
	for _, body := range tests {
		if rec := do(t, h, "POST", "/requirements", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestTriggerScraping_StatusCodes(t *testing.T) {
	_, trig, _, h := newTestServer(t)
	id := uuid.New()
	tests := []struct {
		result scheduler.TriggerResult
		err    error
		code   int
	}{
		{scheduler.TriggerAccepted, nil, http.StatusAccepted},
		{scheduler.TriggerAlreadyRunning, nil, http.StatusOK},
		{scheduler.TriggerNotActive, nil, http.StatusConflict},
		{"", storage.ErrNotFound, http.StatusNotFound},
		{"", scheduler.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		trig.result, trig.err = tt.result, tt.err
		rec := do(t, h, "POST", "/requirements/"+id.String()+"/trigger_scraping", nil)
		if rec.Code != tt.code {
			t.Fatalf("%s/%v: expected %d, got %d", tt.result, tt.err, tt.code, rec.Code)
		}
		if tt.err == nil {
			var body statusResponse
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Status != string(tt.result) {
				t.Fatalf("expected status %s in body, got %s", tt.result, body.Status)
			}
		}
	}
	if rec := do(t, h, "POST", "/requirements/not-a-uuid/trigger_scraping", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", rec.Code)
	}
}

func TestCancelScraping(t *testing.T) {
	_, _, canc, h := newTestServer(t)
	r := createRequirement(t, h)

	if rec := do(t, h, "POST", "/requirements/"+r.ID.String()+"/cancel_scraping", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when nothing runs, got %d", rec.Code)
	}
	canc.running[r.ID] = true
	if rec := do(t, h, "POST", "/requirements/"+r.ID.String()+"/cancel_scraping", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when a job runs, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/requirements/"+uuid.NewString()+"/cancel_scraping", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown requirement, got %d", rec.Code)
	}
}

func TestListingsAndTriage(t *testing.T) {
	store, _, _, h := newTestServer(t)
	r := createRequirement(t, h)
	ctx := context.Background()

	for _, l := range []models.Listing{
		{ID: uuid.New(), RequirementID: r.ID, ExternalID: "a", Title: "iPhone 13", IsMatch: true, TriageStatus: models.TriageNew, DiscoveredAt: apiNow},
		{ID: uuid.New(), RequirementID: r.ID, ExternalID: "b", Title: "iPhone 13 cracked", TriageStatus: models.TriageNew, DiscoveredAt: apiNow},
	} {
		l := l
		if _, err := store.UpsertListing(ctx, &l); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	var all, matches []models.Listing
	json.Unmarshal(do(t, h, "GET", "/requirements/"+r.ID.String()+"/listings", nil).Body.Bytes(), &all)
	json.Unmarshal(do(t, h, "GET", "/requirements/"+r.ID.String()+"/listings?matches_only=true", nil).Body.Bytes(), &matches)
	if len(all) != 2 || len(matches) != 1 || matches[0].ExternalID != "a" {
		t.Fatalf("expected 2 listings and 1 match, got %d and %d", len(all), len(matches))
	}

	path := "/listings/" + matches[0].ID.String()
	rec := do(t, h, "PATCH", path, map[string]string{"status": "contacted"})
	if rec.Code != http.StatusOK {
		t.Fatalf("triage: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated models.Listing
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.TriageStatus != models.TriageContacted {
		t.Fatalf("expected contacted, got %s", updated.TriageStatus)
	}

	if rec := do(t, h, "PATCH", path, map[string]string{"status": "archived"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid triage status, got %d", rec.Code)
	}
	if rec := do(t, h, "PATCH", "/listings/"+uuid.NewString(), map[string]string{"status": "contacted"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown listing, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/requirements/"+uuid.NewString()+"/listings", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown requirement, got %d", rec.Code)
	}
}

func TestAttemptsAndHealth(t *testing.T) {
	store, _, _, h := newTestServer(t)
	r := createRequirement(t, h)
	finished := apiNow.Add(time.Minute)
	store.AppendAttempt(context.Background(), &models.ScrapeAttempt{
		ID: uuid.New(), RequirementID: r.ID, Trigger: models.TriggerManual,
		StartedAt: apiNow, FinishedAt: &finished, Outcome: models.OutcomeSuccess,
	})

	var attempts []models.ScrapeAttempt
	rec := do(t, h, "GET", "/requirements/"+r.ID.String()+"/attempts", nil)
	json.Unmarshal(rec.Body.Bytes(), &attempts)
	if rec.Code != http.StatusOK || len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d (%d)", len(attempts), rec.Code)
	}

	if rec := do(t, h, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
}
