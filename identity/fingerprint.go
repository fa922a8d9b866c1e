package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"buysmart/models"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)

	// Query parameters that only track the visitor and never identify an ad.
	trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "ref", "fbclid", "gclid"}
)

// ExternalID returns the marketplace id of a candidate, deriving a stable
// hash from its URL (or title and price) when the marketplace gave none.
func ExternalID(c models.Candidate) string {
	if id := strings.TrimSpace(c.ExternalID); id != "" {
		return id
	}
	return Fingerprint(c)
}

// Fingerprint hashes the normalized URL, falling back to title and price.
func Fingerprint(c models.Candidate) string {
	input := NormalizeURL(c.URL)
	if input == "" {
		price := ""
		if c.Price != nil {
			price = fmt.Sprintf("%.2f", *c.Price)
		}
		input = NormalizeTitle(c.Title) + "|" + price
	}
	hash := sha256.Sum256([]byte(input))
	return "h-" + hex.EncodeToString(hash[:16])
}

// NormalizeURL lower-cases scheme and host, drops fragments, tracking params
// and trailing slashes. Unparseable URLs normalize to "".
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	q := u.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	title = nonAlnumRegex.ReplaceAllString(title, " ")
	title = multiSpaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}
