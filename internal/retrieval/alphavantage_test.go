package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/marketbrief/internal/circuitbreaker"
)

func newAV(t *testing.T, handler http.HandlerFunc) *AlphaVantageProvider {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zaptest.NewLogger(t)
	hw := circuitbreaker.NewHTTPWrapper(srv.Client(), "alphavantage-"+t.Name(), "retrieval", circuitbreaker.ProviderDefaults, logger)
	return NewAlphaVantageProvider("av-key", srv.URL, 600, 2, hw, logger)
}

func TestAlphaVantageOverview(t *testing.T) {
	p := newAV(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "av-key", r.URL.Query().Get("apikey"))
		switch r.URL.Query().Get("function") {
		case "OVERVIEW":
			_, _ = w.Write([]byte(`{"Symbol":"IBM","Name":"International Business Machines","Sector":"TECHNOLOGY","MarketCapitalization":"150000000000","PERatio":"22.1","ProfitMargin":"0.12","52WeekHigh":"199","52WeekLow":"120","Currency":"USD","Industry":"None"}`))
		case "TIME_SERIES_DAILY":
			_, _ = w.Write([]byte(`{"Time Series (Daily)":{"2025-03-12":{"4. close":"180.0"},"2025-03-14":{"4. close":"182.5"},"2025-03-13":{"4. close":"181.0"}}}`))
		}
	})

	ov, prices, err := p.Overview(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, "International Business Machines", ov.Name)
	assert.Equal(t, "150000000000", ov.MarketCap)
	assert.Empty(t, ov.Industry)
	require.Len(t, prices, 2)
	assert.Equal(t, "2025-03-13", prices[0].Date)
	assert.Equal(t, 182.5, prices[1].Close)
}

func TestAlphaVantageMissingNameIsFailure(t *testing.T) {
	p := newAV(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, _, err := p.Overview(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestAlphaVantageRateLimitNote(t *testing.T) {
	p := newAV(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Information":"rate limit reached"}`))
	})
	_, _, err := p.Overview(context.Background(), "IBM")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAlphaVantageSeriesIsBestEffort(t *testing.T) {
	p := newAV(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("function") == "OVERVIEW" {
			_, _ = w.Write([]byte(`{"Symbol":"IBM","Name":"IBM"}`))
			return
		}
		_, _ = w.Write([]byte(`{"Note":"slow down"}`))
	})
	ov, prices, err := p.Overview(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, "IBM", ov.Symbol)
	assert.Empty(t, prices)
	assert.NotNil(t, prices)
}
