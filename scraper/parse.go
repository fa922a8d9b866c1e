package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	priceDigitsRegex = regexp.MustCompile(`\d[\d,.\s]*`)
	relativeRegex    = regexp.MustCompile(`(\d+|an?|one)\s*(min|minute|hr|hour|day|week|month|year)s?\s+ago`)
	lakhRegex        = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(lakh|lac|k)\b`)
)

// parsePrice extracts an amount from marketplace price text such as
// "₹ 45,000", "Rs. 1,20,000" or "45k". Returns nil when no amount is found.
func parsePrice(text string) *float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if m := lakhRegex.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			switch strings.ToLower(m[2]) {
			case "lakh", "lac":
				v *= 100000
			case "k":
				v *= 1000
			}
			return &v
		}
	}

	raw := priceDigitsRegex.FindString(text)
	if raw == "" {
		return nil
	}
	raw = strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(raw)
	raw = strings.TrimRight(raw, ".")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

var monthLayouts = []string{"Jan 2", "2 Jan", "January 2", "2 January", "Jan 2, 2006", "2 Jan 2006", "2006-01-02"}

// parsePostedDate understands "Today", "Yesterday", "N units ago" and a few
// absolute layouts. Dates without a year are taken to be in the past year.
func parsePostedDate(text string, now time.Time) *time.Time {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return nil
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch {
	case strings.Contains(s, "just now"):
		return &now
	case strings.Contains(s, "today"):
		return &day
	case strings.Contains(s, "yesterday"):
		t := day.AddDate(0, 0, -1)
		return &t
	}

	if m := relativeRegex.FindStringSubmatch(s); m != nil {
		n := 1
		if v, err := strconv.Atoi(m[1]); err == nil {
			n = v
		}
		var t time.Time
		switch m[2] {
		case "min", "minute":
			t = now.Add(-time.Duration(n) * time.Minute)
		case "hr", "hour":
			t = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			t = now.AddDate(0, 0, -n)
		case "week":
			t = now.AddDate(0, 0, -7*n)
		case "month":
			t = now.AddDate(0, -n, 0)
		case "year":
			t = now.AddDate(-n, 0, 0)
		}
		return &t
	}

	for _, layout := range monthLayouts {
		t, err := time.ParseInLocation(layout, strings.TrimSpace(text), now.Location())
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = t.AddDate(now.Year(), 0, 0)
			if t.After(now) {
				t = t.AddDate(-1, 0, 0)
			}
		}
		return &t
	}
	return nil
}
