package retrieval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/metrics"
)

// NewsSource is one search backend.
type NewsSource interface {
	Name() string
	Configured() bool
	Search(ctx context.Context, query string) ([]NewsItem, error)
}

// NewsChain runs the news search. It never returns an error.
type NewsChain struct {
	source  NewsSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewNewsChain wraps source with a per-call timeout.
func NewNewsChain(source NewsSource, timeout time.Duration, logger *zap.Logger) *NewsChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTierTimeout
	}
	return &NewsChain{source: source, timeout: timeout, logger: logger}
}

// Placeholder is returned when no search credentials are configured. It
// carries the query so the run stays traceable.
func Placeholder(query string) NewsResult {
	return NewsResult{
		Query: query,
		Items: []NewsItem{{
			Title:   "(Mock) Tavily disabled",
			Snippet: fmt.Sprintf("No TAVILY_API_KEY set. Query: %s", query),
			URL:     "https://tavily.com",
		}},
		Provenance: ProvenancePlaceholder,
	}
}

// Search runs query against the source. Cancellation of ctx does not abort
// a call already in flight; the per-call timeout bounds it instead.
func (c *NewsChain) Search(ctx context.Context, query string) NewsResult {
	if c.source == nil || !c.source.Configured() {
		metrics.RecordRetrieval("news", string(ProvenancePlaceholder))
		return Placeholder(query)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	items, err := c.source.Search(callCtx, query)
	metrics.RecordProviderCall(c.source.Name(), err == nil, time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("News provider failed",
			zap.String("provider", c.source.Name()),
			zap.Int("tier", 1),
			zap.Error(err),
		)
		metrics.RecordRetrieval("news", string(ProvenanceNone))
		return NewsResult{Query: query, Items: []NewsItem{}, Provenance: ProvenanceNone}
	}
	if items == nil {
		items = []NewsItem{}
	}
	metrics.RecordRetrieval("news", string(ProvenancePrimary))
	return NewsResult{Query: query, Items: items, Provenance: ProvenancePrimary}
}
