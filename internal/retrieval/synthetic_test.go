package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC) // a Friday

func TestSeed(t *testing.T) {
	assert.Equal(t, uint64('A'+'C'+'M'+'E'), Seed("ACME"))
	assert.Equal(t, uint64(0), Seed(""))
}

func TestSyntheticSeriesDeterministic(t *testing.T) {
	a := SyntheticSeries("ACME", asOf)
	b := SyntheticSeries("ACME", asOf)
	require.Len(t, a, 30)
	assert.Equal(t, a, b)

	other := SyntheticSeries("GLBX", asOf)
	assert.NotEqual(t, a, other)
}

func TestSyntheticSeriesBounds(t *testing.T) {
	for _, id := range []string{"A", "ACME", "ZZZZZZ", "MSFT"} {
		series := SyntheticSeries(id, asOf)
		require.Len(t, series, syntheticPoints)

		base := 20 + float64(Seed(id)%480)
		for i, p := range series {
			assert.Greater(t, p.Close, 0.0)
			// 30 moves of at most 2% each stay well within a factor of two
			assert.Less(t, p.Close, (base+1)*1.9, "point %d of %s", i, id)
			assert.Greater(t, p.Close, base*0.5, "point %d of %s", i, id)

			d, err := time.Parse("2006-01-02", p.Date)
			require.NoError(t, err)
			assert.NotEqual(t, time.Saturday, d.Weekday())
			assert.NotEqual(t, time.Sunday, d.Weekday())
			if i > 0 {
				assert.Greater(t, p.Date, series[i-1].Date)
			}
		}
		assert.Equal(t, "2025-03-14", series[len(series)-1].Date)
	}
}

func TestSyntheticOverview(t *testing.T) {
	series := SyntheticSeries("ACME", asOf)
	a := SyntheticOverview("ACME", series)
	b := SyntheticOverview("ACME", series)
	assert.Equal(t, a, b)
	assert.Equal(t, "ACME", a.Symbol)
	assert.NotEmpty(t, a.MarketCap)
	assert.NotEmpty(t, a.PERatio)
	assert.NotEmpty(t, a.High52W)
}
