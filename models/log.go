package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type ScrapeLog struct {
	ID            int64     `json:"id" db:"id"`
	RequirementID string    `json:"requirement_id" db:"requirement_id"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
	Level         LogLevel  `json:"level" db:"level"`
	Message       string    `json:"message" db:"message"`
}
