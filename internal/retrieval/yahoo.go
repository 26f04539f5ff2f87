package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
)

// YahooChartProvider reads daily closes from the public chart endpoint. No
// key is needed, which makes it the secondary tier.
type YahooChartProvider struct {
	baseURL string
	points  int
	http    *circuitbreaker.HTTPWrapper
}

// NewYahooChartProvider builds a provider returning the last points closes.
func NewYahooChartProvider(baseURL string, points int, hw *circuitbreaker.HTTPWrapper) *YahooChartProvider {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	if points <= 0 {
		points = 30
	}
	return &YahooChartProvider{baseURL: strings.TrimRight(baseURL, "/"), points: points, http: hw}
}

func (p *YahooChartProvider) Name() string { return "yahoo" }

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency string `json:"currency"`
				Symbol   string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DailyCloses returns up to points closes, oldest first. Null closes
// (holidays, halted days) are skipped.
func (p *YahooChartProvider) DailyCloses(ctx context.Context, identifier string) ([]PricePoint, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=3mo&interval=1d", p.baseURL, url.PathEscape(identifier))
	ctx, span := tracing.StartProviderSpan(ctx, p.Name(), http.MethodGet, endpoint)
	defer span.End()

	header := http.Header{"User-Agent": {"Mozilla/5.0 (compatible; marketbrief/1.0)"}}
	tracing.InjectTraceparent(ctx, header)

	var chart yahooChart
	if err := p.http.GetJSON(ctx, endpoint, header, &chart); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoData, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: empty chart for %s", ErrNoData, identifier)
	}

	res := chart.Chart.Result[0]
	closes := res.Indicators.Quote[0].Close
	n := len(res.Timestamp)
	if len(closes) < n {
		n = len(closes)
	}
	out := make([]PricePoint, 0, n)
	for i := 0; i < n; i++ {
		if closes[i] == nil {
			continue
		}
		out = append(out, PricePoint{
			Date:  time.Unix(res.Timestamp[i], 0).UTC().Format("2006-01-02"),
			Close: *closes[i],
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no closes for %s", ErrNoData, identifier)
	}
	if len(out) > p.points {
		out = out[len(out)-p.points:]
	}
	return out, nil
}
