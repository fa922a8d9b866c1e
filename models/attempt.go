package models

import (
	"time"

	"github.com/google/uuid"
)

type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomePartial AttemptOutcome = "partial"
	OutcomeFailure AttemptOutcome = "failure"
)

type ErrorClass string

const (
	ErrorClassNone        ErrorClass = ""
	ErrorClassTransient   ErrorClass = "transient"
	ErrorClassPermanent   ErrorClass = "permanent"
	ErrorClassPersistence ErrorClass = "persistence"
	ErrorClassCanceled    ErrorClass = "canceled"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerCommand   Trigger = "command"
	TriggerWatchdog  Trigger = "watchdog"
)

type ScrapeAttempt struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	RequirementID     uuid.UUID      `json:"requirement_id" db:"requirement_id"`
	Trigger           Trigger        `json:"trigger" db:"trigger"`
	StartedAt         time.Time      `json:"started_at" db:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at" db:"finished_at"`
	Outcome           AttemptOutcome `json:"outcome" db:"outcome"`
	ErrorClass        ErrorClass     `json:"error_class,omitempty" db:"error_class"`
	ErrorDetail       string         `json:"error_detail,omitempty" db:"error_detail"`
	FetchedCount      int            `json:"fetched_count" db:"fetched_count"`
	MatchedCount      int            `json:"matched_count" db:"matched_count"`
	NewCount          int            `json:"new_count" db:"new_count"`
	NewlyMatchedCount int            `json:"newly_matched_count" db:"newly_matched_count"`
	PersistFailures   int            `json:"persist_failures" db:"persist_failures"`

	// Listings that became matches during this attempt. Not persisted.
	NewlyMatched []uuid.UUID `json:"-"`
}

// Fail marks the attempt as failed with the given class.
func (a *ScrapeAttempt) Fail(class ErrorClass, err error) {
	a.Outcome = OutcomeFailure
	a.ErrorClass = class
	if err != nil {
		a.ErrorDetail = err.Error()
	}
}
