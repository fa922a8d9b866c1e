package scraper

import (
	"context"
	"sync"
	"time"

	"buysmart/models"
)

// FakeResponse is one scripted answer of FakeFetcher.
type FakeResponse struct {
	Candidates []models.Candidate
	Err        error
	Delay      time.Duration
	Panic      bool
}

// FakeFetcher answers from a script keyed by query text. Queries without a
// script return Default. It records concurrency so tests can assert on it.
type FakeFetcher struct {
	mu       sync.Mutex
	scripts  map[string][]FakeResponse
	Default  FakeResponse
	calls    map[string]int
	inFlight map[string]int
	maxPer   map[string]int
	global   int
	maxAll   int

	// Started receives the query text when a fetch begins, if non-nil.
	Started chan string
}

func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{
		scripts:  make(map[string][]FakeResponse),
		calls:    make(map[string]int),
		inFlight: make(map[string]int),
		maxPer:   make(map[string]int),
	}
}

// Script replaces the responses for a query. They are served in order and
// the last one repeats once the queue is exhausted.
func (f *FakeFetcher) Script(query string, responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[query] = append([]FakeResponse(nil), responses...)
}

func (f *FakeFetcher) Fetch(ctx context.Context, q Query) ([]models.Candidate, error) {
	resp := f.begin(q.Text)
	defer f.end(q.Text)

	if f.Started != nil {
		select {
		case f.Started <- q.Text:
		default:
		}
	}

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}
	if resp.Panic {
		panic("fake fetcher panic")
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	out := make([]models.Candidate, len(resp.Candidates))
	copy(out, resp.Candidates)
	return out, nil
}

func (f *FakeFetcher) begin(query string) FakeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[query]++
	f.inFlight[query]++
	if f.inFlight[query] > f.maxPer[query] {
		f.maxPer[query] = f.inFlight[query]
	}
	f.global++
	if f.global > f.maxAll {
		f.maxAll = f.global
	}

	script := f.scripts[query]
	switch len(script) {
	case 0:
		return f.Default
	case 1:
		return script[0]
	}
	resp := script[0]
	f.scripts[query] = script[1:]
	return resp
}

func (f *FakeFetcher) end(query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[query]--
	f.global--
}

// Calls returns how many fetches ran for a query.
func (f *FakeFetcher) Calls(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[query]
}

// MaxInFlight returns the highest observed concurrency for a query.
func (f *FakeFetcher) MaxInFlight(query string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPer[query]
}

// MaxInFlightTotal returns the highest observed concurrency across queries.
func (f *FakeFetcher) MaxInFlightTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxAll
}
