package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"buysmart/config"
	"buysmart/models"
)

// Query is what a fetcher searches for on behalf of one requirement.
type Query struct {
	Text     string
	Category string
	Location string
}

// QueryFor builds the marketplace query of a requirement.
func QueryFor(r *models.Requirement) Query {
	return Query{
		Text:     strings.TrimSpace(r.ProductQuery),
		Category: strings.TrimSpace(r.Category),
		Location: strings.TrimSpace(r.Location),
	}
}

// Fetcher retrieves candidate listings from a marketplace.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]models.Candidate, error)
}

// FetchError carries the retry class of a failed fetch.
type FetchError struct {
	Class  models.ErrorClass
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func Transient(err error) *FetchError {
	return &FetchError{Class: models.ErrorClassTransient, Err: err}
}

func Permanent(err error) *FetchError {
	return &FetchError{Class: models.ErrorClassPermanent, Err: err}
}

// ClassifyFetchError maps any fetch error onto an error class. Unknown
// errors are treated as transient.
func ClassifyFetchError(err error) models.ErrorClass {
	if err == nil {
		return models.ErrorClassNone
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrorClassCanceled
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return models.ErrorClassTransient
	}
	return models.ErrorClassTransient
}

// ClassifyStatus turns an HTTP status into a fetch error, or nil for 2xx.
func ClassifyStatus(status int, permanent []int) *FetchError {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("unexpected status %d", status)
	for _, p := range permanent {
		if status == p {
			return &FetchError{Class: models.ErrorClassPermanent, Status: status, Err: err}
		}
	}
	return &FetchError{Class: models.ErrorClassTransient, Status: status, Err: err}
}

// SearchURL expands the marketplace search template for a query and page.
func SearchURL(mp *config.MarketplaceConfig, q Query, page int) (string, error) {
	if q.Text == "" {
		return "", Permanent(errors.New("empty product query"))
	}
	location := ""
	if q.Location != "" && mp.LocationSuffix != "" {
		location = strings.ReplaceAll(mp.LocationSuffix, "{location}", slug(q.Location))
	}
	r := strings.NewReplacer(
		"{query}", slug(q.Text),
		"{location}", location,
		"{category}", slug(q.Category),
		"{page}", strconv.Itoa(page),
	)
	raw := r.Replace(mp.SearchURL)
	if _, err := url.Parse(raw); err != nil {
		return "", Permanent(fmt.Errorf("search url: %w", err))
	}
	if page > 1 && !strings.Contains(mp.SearchURL, "{page}") {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		raw += sep + "page=" + strconv.Itoa(page)
	}
	return raw, nil
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return url.PathEscape(strings.Join(strings.Fields(s), "-"))
}
