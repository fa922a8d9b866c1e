package workers

import (
	"context"
	"log"
	"time"

	"buysmart/models"
	"buysmart/storage"
)

// LogFunc is a function that logs to the scrape_logs table
type LogFunc func(level models.LogLevel, requirementID, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, requirementID, message string) {}

// StoreLogger persists log lines through the store.
func StoreLogger(store storage.Store) LogFunc {
	return func(level models.LogLevel, requirementID, message string) {
		entry := &models.ScrapeLog{
			RequirementID: requirementID,
			Timestamp:     time.Now(),
			Level:         level,
			Message:       message,
		}
		if err := store.AppendLog(context.Background(), entry); err != nil {
			log.Printf("Warning: failed to persist log line: %v", err)
		}
	}
}
