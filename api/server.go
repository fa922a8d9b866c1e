package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"buysmart/models"
	"buysmart/scheduler"
	"buysmart/services"
	"buysmart/storage"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Triggerer starts a scrape on demand.
type Triggerer interface {
	Trigger(ctx context.Context, id uuid.UUID) (scheduler.TriggerResult, error)
}

// Canceler stops a job running in this process.
type Canceler interface {
	Cancel(id uuid.UUID) bool
}

type Server struct {
	store     storage.Store
	triggerer Triggerer
	canceler  Canceler
	now       func() time.Time
}

func NewServer(store storage.Store, triggerer Triggerer, canceler Canceler) *Server {
	return &Server{store: store, triggerer: triggerer, canceler: canceler, now: time.Now}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.Health).Methods("GET")
	r.HandleFunc("/requirements", s.CreateRequirement).Methods("POST")
	r.HandleFunc("/requirements/{id}", s.GetRequirement).Methods("GET")
	r.HandleFunc("/requirements/{id}/trigger_scraping", s.TriggerScraping).Methods("POST")
	r.HandleFunc("/requirements/{id}/cancel_scraping", s.CancelScraping).Methods("POST")
	r.HandleFunc("/requirements/{id}/listings", s.ListListings).Methods("GET")
	r.HandleFunc("/requirements/{id}/attempts", s.ListAttempts).Methods("GET")
	r.HandleFunc("/listings/{id}", s.UpdateListing).Methods("PATCH")
	return r
}

type createRequirementRequest struct {
	UserID string `json:"user_id"`
	models.Criteria
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// CreateRequirement handles POST /requirements
func (s *Server) CreateRequirement(w http.ResponseWriter, r *http.Request) {
	var body createRequirementRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	criteria, err := validateCriteria(body.Criteria)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}

	now := s.now()
	req := &models.Requirement{
		ID:             uuid.New(),
		UserID:         body.UserID,
		Criteria:       criteria,
		Status:         models.RequirementActive,
		ScrapingStatus: models.ScrapingPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRequirement(r.Context(), req); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[api] created requirement %s for %q", req.ID, req.ProductQuery)
	writeJSON(w, http.StatusCreated, req)
}

func validateCriteria(c models.Criteria) (models.Criteria, error) {
	c.ProductQuery = strings.TrimSpace(c.ProductQuery)
	if c.ProductQuery == "" {
		return c, errors.New("product_query is required")
	}
	if c.BudgetMin != nil && c.BudgetMax != nil && *c.BudgetMin > *c.BudgetMax {
		return c, errors.New("budget_min must not exceed budget_max")
	}
	switch c.Timeline {
	case "":
		c.Timeline = models.TimelineFlexible
	case models.TimelineUrgent, models.TimelineFlexible, models.TimelineLongTerm:
	default:
		return c, fmt.Errorf("invalid timeline %q", c.Timeline)
	}

	prefs := make([]string, 0, len(c.ConditionPreferences))
	for _, p := range c.ConditionPreferences {
		if n := services.NormalizeCondition(p); n != "" {
			prefs = append(prefs, n)
		}
	}
	c.ConditionPreferences = prefs
	return c, nil
}

// GetRequirement handles GET /requirements/{id}
func (s *Server) GetRequirement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := s.store.GetRequirement(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// TriggerScraping handles POST /requirements/{id}/trigger_scraping
func (s *Server) TriggerScraping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.triggerer.Trigger(r.Context(), id)
	if errors.Is(err, scheduler.ErrStopped) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	status := http.StatusAccepted
	switch result {
	case scheduler.TriggerAlreadyRunning:
		status = http.StatusOK
	case scheduler.TriggerNotActive:
		status = http.StatusConflict
	}
	writeJSON(w, status, statusResponse{Status: string(result)})
}

// CancelScraping handles POST /requirements/{id}/cancel_scraping
func (s *Server) CancelScraping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.canceler.Cancel(id) {
		writeJSON(w, http.StatusAccepted, statusResponse{Status: "canceling"})
		return
	}
	if _, err := s.store.GetRequirement(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusConflict, statusResponse{Status: "not_running"})
}

// ListListings handles GET /requirements/{id}/listings
// ?matches_only=true restricts the result to matching listings.
func (s *Server) ListListings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	matchesOnly, _ := strconv.ParseBool(r.URL.Query().Get("matches_only"))

	if _, err := s.store.GetRequirement(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	listings, err := s.store.ListListings(r.Context(), id, matchesOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// ListAttempts handles GET /requirements/{id}/attempts
func (s *Server) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	attempts, err := s.store.ListAttempts(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if attempts == nil {
		attempts = []models.ScrapeAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

type updateListingRequest struct {
	Status string `json:"status"`
}

// UpdateListing handles PATCH /listings/{id}
func (s *Server) UpdateListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body updateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	status, err := models.ParseTriageStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	listing, err := s.store.UpdateTriageStatus(r.Context(), id, status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	log.Printf("[api] store error: %v", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}
