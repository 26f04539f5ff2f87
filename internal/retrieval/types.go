package retrieval

import "errors"

var (
	// ErrRateLimited marks an upstream quota response (AlphaVantage "Note").
	ErrRateLimited = errors.New("retrieval: upstream rate limited")
	// ErrNoData marks a well-formed response that carries nothing usable.
	ErrNoData = errors.New("retrieval: no usable data")
)

// Provenance records which tier of a chain produced a result.
type Provenance string

const (
	ProvenancePrimary     Provenance = "primary"
	ProvenancePartialReal Provenance = "partial-real"
	ProvenanceSynthetic   Provenance = "synthetic"
	// ProvenancePlaceholder is the news chain's credential-less stand-in.
	ProvenancePlaceholder Provenance = "placeholder"
	ProvenanceNone        Provenance = "none"
)

// NewsItem is one search hit.
type NewsItem struct {
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	URL         string  `json:"url"`
	PublishedAt *string `json:"published_at"`
}

// NewsResult is the outcome of the news chain. It never carries an error;
// an absorbed failure shows up as ProvenanceNone with no items.
type NewsResult struct {
	Query      string     `json:"query"`
	Items      []NewsItem `json:"results"`
	Provenance Provenance `json:"provenance"`
}

// Empty reports whether the result holds no items.
func (r NewsResult) Empty() bool {
	return r.Provenance == ProvenanceNone || len(r.Items) == 0
}

// Overview holds company figures. Values are kept as the strings upstream
// returns them; "None" and "-" are normalized to empty.
type Overview struct {
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Sector       string `json:"sector,omitempty"`
	Industry     string `json:"industry,omitempty"`
	MarketCap    string `json:"market_cap"`
	PERatio      string `json:"pe_ratio"`
	ProfitMargin string `json:"profit_margin"`
	High52W      string `json:"52w_high"`
	Low52W       string `json:"52w_low"`
	Currency     string `json:"currency,omitempty"`
}

// PricePoint is one daily close.
type PricePoint struct {
	Date  string  `json:"date"` // YYYY-MM-DD
	Close float64 `json:"close"`
}

// FinancialResult is the outcome of the financial chain.
type FinancialResult struct {
	Identifier string       `json:"identifier"`
	Overview   *Overview    `json:"overview"`
	Prices     []PricePoint `json:"prices"`
	Provenance Provenance   `json:"provenance"`
	// Provider names the upstream that served the real part of the data.
	Provider string `json:"provider,omitempty"`
}

// Empty reports whether the chain produced nothing.
func (r FinancialResult) Empty() bool {
	return r.Provenance == ProvenanceNone || r.Overview == nil
}

// EmptyFinancial is the explicit "no data" financial result.
func EmptyFinancial(identifier string) FinancialResult {
	return FinancialResult{Identifier: identifier, Prices: []PricePoint{}, Provenance: ProvenanceNone}
}
