package retrieval

import (
	"context"
	"net/http"
	"strings"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
)

// TavilyProvider calls the Tavily search API.
type TavilyProvider struct {
	apiKey     string
	baseURL    string
	maxResults int
	http       *circuitbreaker.HTTPWrapper
}

// NewTavilyProvider builds a provider. baseURL defaults to the public API.
func NewTavilyProvider(apiKey, baseURL string, maxResults int, hw *circuitbreaker.HTTPWrapper) *TavilyProvider {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	if maxResults <= 0 {
		maxResults = 6
	}
	return &TavilyProvider{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), maxResults: maxResults, http: hw}
}

func (p *TavilyProvider) Name() string { return "tavily" }

// Configured reports whether an API key is present.
func (p *TavilyProvider) Configured() bool { return p.apiKey != "" }

type tavilyRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	SearchDepth       string `json:"search_depth"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
	MaxResults        int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		Content       string  `json:"content"`
		URL           string  `json:"url"`
		PublishedDate *string `json:"published_date"`
	} `json:"results"`
}

// Search returns at most maxResults hits for query.
func (p *TavilyProvider) Search(ctx context.Context, query string) ([]NewsItem, error) {
	url := p.baseURL + "/search"
	ctx, span := tracing.StartProviderSpan(ctx, p.Name(), http.MethodPost, url)
	defer span.End()

	req := tavilyRequest{
		APIKey:      p.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  p.maxResults,
	}
	header := http.Header{}
	tracing.InjectTraceparent(ctx, header)

	var resp tavilyResponse
	if err := p.http.PostJSON(ctx, url, header, req, &resp); err != nil {
		span.RecordError(err)
		return nil, err
	}

	items := make([]NewsItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		if len(items) == p.maxResults {
			break
		}
		items = append(items, NewsItem{
			Title:       r.Title,
			Snippet:     r.Content,
			URL:         r.URL,
			PublishedAt: r.PublishedDate,
		})
	}
	return items, nil
}
