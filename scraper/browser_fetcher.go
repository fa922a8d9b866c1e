package scraper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"buysmart/config"
	"buysmart/models"
	"github.com/playwright-community/playwright-go"
)

var blockedMarkers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Access Denied",
	"This request was blocked",
	"captcha-delivery",
}

var consentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#didomi-notice-agree-button",
	"button[id*='accept']",
	"button:has-text('Accept')",
	"button:has-text('Accept All')",
	"button:has-text('I Accept')",
	"button:has-text('Agree')",
}

// BrowserFetcher renders search pages in a persistent Chromium context.
// Each fetch opens its own page so concurrent jobs do not share navigation.
type BrowserFetcher struct {
	mp          *config.MarketplaceConfig
	extractor   *Extractor
	headless    bool
	userDataDir string

	mu          sync.Mutex
	pw          *playwright.Playwright
	context     playwright.BrowserContext
	initialized bool
}

func NewBrowserFetcher(mp *config.MarketplaceConfig, cfg config.ScraperConfig) (*BrowserFetcher, error) {
	ex, err := NewExtractor(mp)
	if err != nil {
		return nil, err
	}
	return &BrowserFetcher{
		mp:          mp,
		extractor:   ex,
		headless:    cfg.Headless,
		userDataDir: cfg.BrowserDataDir,
	}, nil
}

func (f *BrowserFetcher) Fetch(ctx context.Context, q Query) ([]models.Candidate, error) {
	if err := f.ensureBrowser(); err != nil {
		return nil, Transient(err)
	}

	page, err := f.context.NewPage()
	if err != nil {
		return nil, Transient(fmt.Errorf("failed to create page: %w", err))
	}
	stop := context.AfterFunc(ctx, func() { page.Close() })
	defer func() {
		stop()
		page.Close()
	}()

	first := true
	get := func(ctx context.Context, pageURL string) ([]byte, error) {
		if !first {
			humanDelay(ctx, f.mp.RateLimitMS, f.mp.RateLimitMS*2)
		}
		body, err := f.loadPage(ctx, page, pageURL, first)
		first = false
		return body, err
	}
	return crawl(ctx, f.mp, q, f.extractor, time.Now(), get)
}

func (f *BrowserFetcher) loadPage(ctx context.Context, page playwright.Page, pageURL string, first bool) ([]byte, error) {
	log.Printf("[fetch] navigating to %s", pageURL)
	resp, err := page.Goto(pageURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(60000),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(fmt.Errorf("navigate: %w", err))
	}
	if resp != nil {
		if fe := ClassifyStatus(resp.Status(), f.mp.PermanentStatuses); fe != nil {
			return nil, fe
		}
	}

	if first {
		handleConsent(page)
	}
	if f.mp.Selectors.Card != "" {
		// Listing cards are often rendered after DOMContentLoaded.
		page.Locator(f.mp.Selectors.Card).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(10000),
		})
	}
	simulateHumanBehavior(page)

	content, err := page.Content()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Transient(fmt.Errorf("read content: %w", err))
	}
	if marker := detectBlocked(content); marker != "" {
		return nil, Transient(fmt.Errorf("blocked by marketplace: %s", marker))
	}
	return []byte(content), nil
}

func (f *BrowserFetcher) ensureBrowser() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	var err error
	f.pw, err = playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	f.context, err = f.pw.Chromium.LaunchPersistentContext(f.userDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(f.headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		f.pw.Stop()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	f.initialized = true
	return nil
}

// Close shuts the browser down. A later Fetch starts a new one.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if f.context != nil {
		errs = append(errs, f.context.Close())
		f.context = nil
	}
	if f.pw != nil {
		errs = append(errs, f.pw.Stop())
		f.pw = nil
	}
	f.initialized = false
	return errors.Join(errs...)
}

func detectBlocked(content string) string {
	for _, m := range blockedMarkers {
		if strings.Contains(content, m) {
			return m
		}
	}
	return ""
}

func handleConsent(page playwright.Page) {
	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			log.Printf("[fetch] clicking consent button: %s", selector)
			btn.Click()
			page.WaitForTimeout(1000)
			return
		}
	}
}

func simulateHumanBehavior(page playwright.Page) {
	page.Mouse().Move(float64(300+rand.Intn(400)), float64(200+rand.Intn(300)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))
	page.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, 100+rand.Intn(300)))
}

func humanDelay(ctx context.Context, minMs, maxMs int) {
	if maxMs <= minMs {
		maxMs = minMs + 1
	}
	delay := time.Duration(minMs+rand.Intn(maxMs-minMs)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
