package retrieval

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

const syntheticPoints = 30

// Seed is the sum of the identifier's character codes.
func Seed(identifier string) uint64 {
	var sum uint64
	for _, r := range identifier {
		sum += uint64(r)
	}
	return sum
}

// SyntheticSeries derives a repeatable 30-point daily walk ending at asOf.
// Base price stays within [20, 500) and daily moves within +/-2%.
func SyntheticSeries(identifier string, asOf time.Time) []PricePoint {
	seed := Seed(identifier)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	price := 20 + float64(seed%480) + rng.Float64()
	dates := tradingDays(asOf, syntheticPoints)
	out := make([]PricePoint, 0, syntheticPoints)
	for _, d := range dates {
		move := (rng.Float64() - 0.5) * 0.04
		price = math.Max(1, price*(1+move))
		out = append(out, PricePoint{Date: d, Close: math.Round(price*100) / 100})
	}
	return out
}

// SyntheticOverview derives placeholder figures for identifier. The 52-week
// range is taken from series when present.
func SyntheticOverview(identifier string, series []PricePoint) Overview {
	seed := Seed(identifier)
	rng := rand.New(rand.NewPCG(seed^0x5bd1e995, seed))

	marketCap := (1 + rng.Float64()*199) * 1e9
	pe := 8 + rng.Float64()*30
	margin := 0.02 + rng.Float64()*0.25

	ov := Overview{
		Symbol:       strings.ToUpper(identifier),
		Name:         strings.ToUpper(identifier),
		Description:  "Synthetic placeholder figures; no market data provider returned an overview.",
		MarketCap:    fmt.Sprintf("%.0f", marketCap),
		PERatio:      fmt.Sprintf("%.2f", pe),
		ProfitMargin: fmt.Sprintf("%.4f", margin),
		Currency:     "USD",
	}
	if len(series) > 0 {
		lo, hi := series[0].Close, series[0].Close
		for _, p := range series[1:] {
			lo = math.Min(lo, p.Close)
			hi = math.Max(hi, p.Close)
		}
		ov.High52W = fmt.Sprintf("%.2f", hi)
		ov.Low52W = fmt.Sprintf("%.2f", lo)
	}
	return ov
}

// tradingDays returns n weekday dates ending at or before asOf, oldest first.
func tradingDays(asOf time.Time, n int) []string {
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	out := make([]string, n)
	for i := n - 1; i >= 0; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out[i] = day.Format("2006-01-02")
			i--
		}
		day = day.AddDate(0, 0, -1)
	}
	return out
}
