package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
	"github.com/Kocoro-lab/marketbrief/internal/tracing"
)

// AlphaVantageProvider fetches OVERVIEW plus TIME_SERIES_DAILY. The free
// quota is tiny, so calls pass through a process-wide limiter.
type AlphaVantageProvider struct {
	apiKey  string
	baseURL string
	points  int
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewAlphaVantageProvider builds a provider allowing requestsPerMinute calls
// with a burst of two (one overview plus one series per run).
func NewAlphaVantageProvider(apiKey, baseURL string, requestsPerMinute, points int, hw *circuitbreaker.HTTPWrapper, logger *zap.Logger) *AlphaVantageProvider {
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co"
	}
	if requestsPerMinute <= 0 {
		requestsPerMinute = 5
	}
	if points <= 0 {
		points = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlphaVantageProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		points:  points,
		http:    hw,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 2),
		logger:  logger,
	}
}

func (p *AlphaVantageProvider) Name() string { return "alphavantage" }

// Configured reports whether an API key is present.
func (p *AlphaVantageProvider) Configured() bool { return p.apiKey != "" }

type avOverview struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	Symbol       string `json:"Symbol"`
	Name         string `json:"Name"`
	Description  string `json:"Description"`
	Sector       string `json:"Sector"`
	Industry     string `json:"Industry"`
	MarketCap    string `json:"MarketCapitalization"`
	PERatio      string `json:"PERatio"`
	ProfitMargin string `json:"ProfitMargin"`
	High52W      string `json:"52WeekHigh"`
	Low52W       string `json:"52WeekLow"`
	Currency     string `json:"Currency"`
}

type avDaily struct {
	Note        string `json:"Note"`
	Information string `json:"Information"`
	Series      map[string]struct {
		Close string `json:"4. close"`
	} `json:"Time Series (Daily)"`
}

// Overview returns company figures and a recent close series. A quota note
// or a reply without name/symbol is a failure. The series is best effort.
func (p *AlphaVantageProvider) Overview(ctx context.Context, identifier string) (Overview, []PricePoint, error) {
	var ov avOverview
	if err := p.query(ctx, url.Values{"function": {"OVERVIEW"}, "symbol": {identifier}}, &ov); err != nil {
		return Overview{}, nil, err
	}
	if ov.Note != "" || ov.Information != "" {
		return Overview{}, nil, fmt.Errorf("%w: %s", ErrRateLimited, firstNonEmpty(ov.Note, ov.Information))
	}
	if ov.Name == "" || ov.Symbol == "" {
		return Overview{}, nil, fmt.Errorf("%w: overview for %s lacks name or symbol", ErrNoData, identifier)
	}

	overview := Overview{
		Symbol:       ov.Symbol,
		Name:         ov.Name,
		Description:  clean(ov.Description),
		Sector:       clean(ov.Sector),
		Industry:     clean(ov.Industry),
		MarketCap:    clean(ov.MarketCap),
		PERatio:      clean(ov.PERatio),
		ProfitMargin: clean(ov.ProfitMargin),
		High52W:      clean(ov.High52W),
		Low52W:       clean(ov.Low52W),
		Currency:     clean(ov.Currency),
	}

	prices, err := p.daily(ctx, identifier)
	if err != nil {
		p.logger.Debug("AlphaVantage daily series unavailable", zap.String("identifier", identifier), zap.Error(err))
		prices = []PricePoint{}
	}
	return overview, prices, nil
}

func (p *AlphaVantageProvider) daily(ctx context.Context, identifier string) ([]PricePoint, error) {
	var d avDaily
	if err := p.query(ctx, url.Values{"function": {"TIME_SERIES_DAILY"}, "symbol": {identifier}, "outputsize": {"compact"}}, &d); err != nil {
		return nil, err
	}
	if d.Note != "" || d.Information != "" {
		return nil, ErrRateLimited
	}
	if len(d.Series) == 0 {
		return nil, ErrNoData
	}

	dates := make([]string, 0, len(d.Series))
	for date := range d.Series {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	if len(dates) > p.points {
		dates = dates[len(dates)-p.points:]
	}

	out := make([]PricePoint, 0, len(dates))
	for _, date := range dates {
		v, err := strconv.ParseFloat(d.Series[date].Close, 64)
		if err != nil {
			continue
		}
		out = append(out, PricePoint{Date: date, Close: v})
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func (p *AlphaVantageProvider) query(ctx context.Context, params url.Values, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: local quota: %v", ErrRateLimited, err)
	}
	params.Set("apikey", p.apiKey)
	endpoint := p.baseURL + "/query?" + params.Encode()

	ctx, span := tracing.StartProviderSpan(ctx, p.Name(), http.MethodGet, p.baseURL+"/query?function="+params.Get("function"))
	defer span.End()

	header := http.Header{}
	tracing.InjectTraceparent(ctx, header)
	if err := p.http.GetJSON(ctx, endpoint, header, out); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "None" || s == "-" {
		return ""
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
