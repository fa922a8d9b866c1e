package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"buysmart/config"
	"buysmart/httputil"
	"buysmart/models"
)

const maxPageBytes = 8 << 20

// HTTPFetcher downloads search pages with a plain HTTP client. It suits
// marketplaces that render listings server-side.
type HTTPFetcher struct {
	mp        *config.MarketplaceConfig
	client    *http.Client
	limiter   *httputil.HostLimiter
	extractor *Extractor
	now       func() time.Time
}

func NewHTTPFetcher(mp *config.MarketplaceConfig, client *http.Client) (*HTTPFetcher, error) {
	ex, err := NewExtractor(mp)
	if err != nil {
		return nil, err
	}
	return &HTTPFetcher{
		mp:        mp,
		client:    client,
		limiter:   httputil.NewHostLimiter(time.Duration(mp.RateLimitMS)*time.Millisecond, 1),
		extractor: ex,
		now:       time.Now,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, q Query) ([]models.Candidate, error) {
	return crawl(ctx, f.mp, q, f.extractor, f.now(), f.getPage)
}

func (f *HTTPFetcher) getPage(ctx context.Context, pageURL string) ([]byte, error) {
	if err := f.limiter.WaitURL(ctx, pageURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if fe := ClassifyStatus(resp.StatusCode, f.mp.PermanentStatuses); fe != nil {
		return nil, fe
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, Transient(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

type pageGetter func(ctx context.Context, pageURL string) ([]byte, error)

// crawl walks search pages until max_pages, a page without a next link, or
// an empty page. A failure after the first page keeps what was collected.
func crawl(ctx context.Context, mp *config.MarketplaceConfig, q Query, ex *Extractor, now time.Time, get pageGetter) ([]models.Candidate, error) {
	pageURL, err := SearchURL(mp, q, 1)
	if err != nil {
		return nil, err
	}

	maxPages := mp.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}

	var all []models.Candidate
	for page := 1; page <= maxPages && pageURL != ""; page++ {
		body, err := get(ctx, pageURL)
		if err != nil {
			if page == 1 || errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Printf("[fetch] page %d of %q failed, keeping %d candidates: %v", page, q.Text, len(all), err)
			break
		}

		result, err := ex.Extract(body, pageURL, now)
		if err != nil {
			return nil, Transient(err)
		}
		if len(result.Candidates) == 0 {
			break
		}
		all = append(all, result.Candidates...)
		pageURL = result.NextURL
	}
	return dedupe(all), nil
}
