package notify

import (
	"context"
	"log"
	"sync"
)

// LogPublisher writes events to the standard logger and keeps them for
// inspection. It is used when no REDIS_URL is configured.
type LogPublisher struct {
	mu      sync.Mutex
	matches []NewMatchEvent
	alerts  []Alert
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) NewMatch(ctx context.Context, ev NewMatchEvent) error {
	log.Printf("[notify] new match for requirement %s: listing %s %q (score %.4f)", ev.RequirementID, ev.ListingID, ev.Title, ev.MatchScore)
	p.mu.Lock()
	p.matches = append(p.matches, ev)
	p.mu.Unlock()
	return nil
}

func (p *LogPublisher) Alert(ctx context.Context, a Alert) error {
	log.Printf("[notify] alert for requirement %s (%s): %s", a.RequirementID, a.ErrorClass, a.Message)
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
	return nil
}

func (p *LogPublisher) Matches() []NewMatchEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NewMatchEvent(nil), p.matches...)
}

func (p *LogPublisher) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Alert(nil), p.alerts...)
}
