package metadata

import (
	"net/url"
	"strings"

	"github.com/Kocoro-lab/marketbrief/internal/retrieval"
)

// DefaultMaxCitations caps the Sources list of a report.
const DefaultMaxCitations = 10

// Citation is one report source.
type Citation struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Source string `json:"source,omitempty"` // domain name
}

// trackingParams are dropped during normalization.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid",
	"ref", "source",
}

// NormalizeURL cleans a URL for deduplication:
// - lowercases scheme and host, drops a leading "www."
// - removes the fragment and tracking query parameters
// - removes a trailing slash
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, param := range trackingParams {
			q.Del(param)
		}
		parsed.RawQuery = q.Encode()
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// ExtractDomain returns the lowercase host from a URL without port or "www.".
func ExtractDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www."), nil
}

// CollectCitations turns news items into citations in retrieval order.
// Items without a URL are skipped, duplicates (by normalized URL) keep the
// first occurrence, and at most max citations are returned (max <= 0 uses
// DefaultMaxCitations).
func CollectCitations(items []retrieval.NewsItem, max int) []Citation {
	if max <= 0 {
		max = DefaultMaxCitations
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]Citation, 0, min(len(items), max))

	for _, item := range items {
		if len(out) >= max {
			break
		}
		raw := strings.TrimSpace(item.URL)
		if raw == "" {
			continue
		}
		key := raw
		if norm, err := NormalizeURL(raw); err == nil && norm != "" {
			key = norm
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		domain, _ := ExtractDomain(raw)
		out = append(out, Citation{
			Title:  strings.TrimSpace(item.Title),
			URL:    raw,
			Source: domain,
		})
	}
	return out
}
