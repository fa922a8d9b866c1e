package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"buysmart/config"
	"buysmart/identity"
	"buysmart/models"
	"github.com/PuerkitoBio/goquery"
)

// Extractor turns a marketplace search page into candidates using the
// selectors of a marketplace definition.
type Extractor struct {
	mp      *config.MarketplaceConfig
	idRegex *regexp.Regexp
}

func NewExtractor(mp *config.MarketplaceConfig) (*Extractor, error) {
	e := &Extractor{mp: mp}
	if mp.Selectors.ExternalIDExpr != "" {
		re, err := regexp.Compile(mp.Selectors.ExternalIDExpr)
		if err != nil {
			return nil, fmt.Errorf("external_id_pattern: %w", err)
		}
		e.idRegex = re
	}
	return e, nil
}

// Page is the result of extracting one search page.
type Page struct {
	Candidates []models.Candidate
	NextURL    string
}

// Extract parses html fetched from pageURL.
func (e *Extractor) Extract(html []byte, pageURL string, now time.Time) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	base, _ := url.Parse(pageURL)
	sel := e.mp.Selectors
	page := &Page{}

	doc.Find(sel.Card).Each(func(i int, s *goquery.Selection) {
		c := models.Candidate{
			Title:       text(s, sel.Title),
			Description: text(s, sel.Description),
			Location:    text(s, sel.Location),
			Condition:   text(s, sel.Condition),
			SellerName:  text(s, sel.Seller),
			Currency:    e.mp.Currency,
			Price:       parsePrice(text(s, sel.Price)),
			PostedAt:    parsePostedDate(text(s, sel.Posted), now),
		}

		if href := attr(s, sel.Link, "href"); href != "" {
			c.URL = absolutize(base, href)
		}
		if img := attr(s, sel.Image, "src"); img != "" {
			c.ImageURL = absolutize(base, img)
		} else if img := attr(s, sel.Image, "data-src"); img != "" {
			c.ImageURL = absolutize(base, img)
		}

		if sel.ExternalIDAttr != "" {
			c.ExternalID, _ = s.Attr(sel.ExternalIDAttr)
		}
		if c.ExternalID == "" && e.idRegex != nil {
			if m := e.idRegex.FindStringSubmatch(c.URL); len(m) > 1 {
				c.ExternalID = m[1]
			}
		}
		c.ExternalID = identity.ExternalID(c)

		if c.Title == "" && c.URL == "" {
			return
		}
		page.Candidates = append(page.Candidates, c)
	})

	if sel.NextPage != "" {
		next := doc.Find(sel.NextPage).First()
		if href, ok := next.Attr("href"); ok && href != "" {
			page.NextURL = absolutize(base, href)
		} else if href := attr(next, "a", "href"); href != "" {
			page.NextURL = absolutize(base, href)
		}
	}
	return page, nil
}

// text returns the trimmed text of the first match of selector inside s.
// An empty selector reads nothing.
func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func attr(s *goquery.Selection, selector, name string) string {
	if selector == "" {
		return ""
	}
	target := s.Find(selector).First()
	if target.Length() == 0 && s.Is(selector) {
		target = s
	}
	v, _ := target.Attr(name)
	return strings.TrimSpace(v)
}

func absolutize(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// dedupe collapses candidates sharing an external id; the last one wins and
// keeps the position of the first.
func dedupe(cands []models.Candidate) []models.Candidate {
	index := make(map[string]int, len(cands))
	out := make([]models.Candidate, 0, len(cands))
	for _, c := range cands {
		if i, ok := index[c.ExternalID]; ok {
			out[i] = c
			continue
		}
		index[c.ExternalID] = len(out)
		out = append(out, c)
	}
	return out
}
