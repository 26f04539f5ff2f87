package retrieval

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/marketbrief/internal/metrics"
)

// OverviewSource is the primary tier: figures plus recent closes.
type OverviewSource interface {
	Name() string
	Configured() bool
	Overview(ctx context.Context, identifier string) (Overview, []PricePoint, error)
}

// PriceSource is the secondary tier: closes only.
type PriceSource interface {
	Name() string
	DailyCloses(ctx context.Context, identifier string) ([]PricePoint, error)
}

const defaultTierTimeout = 12 * time.Second

// FinancialChainConfig wires the tiers. Nil sources are skipped.
type FinancialChainConfig struct {
	Primary   OverviewSource
	Secondary PriceSource
	// SyntheticFallback enables tier 3. When false an exhausted chain
	// returns EmptyFinancial.
	SyntheticFallback bool
	// Per-tier call budgets. A tier that exceeds its budget counts as failed.
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
}

// FinancialChain tries primary, secondary, then synthetic data. It never
// returns an error.
type FinancialChain struct {
	cfg    FinancialChainConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewFinancialChain builds a chain.
func NewFinancialChain(cfg FinancialChainConfig, logger *zap.Logger) *FinancialChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = defaultTierTimeout
	}
	if cfg.SecondaryTimeout <= 0 {
		cfg.SecondaryTimeout = defaultTierTimeout
	}
	return &FinancialChain{cfg: cfg, logger: logger, now: time.Now}
}

// Usable reports whether identifier may be passed to Fetch.
func Usable(identifier string) bool {
	id := strings.TrimSpace(identifier)
	return id != "" && !strings.EqualFold(id, "unknown")
}

// Fetch returns the best available data for identifier. Callers must not
// pass an unusable identifier; if they do the chain is skipped and the
// result is empty.
func (c *FinancialChain) Fetch(ctx context.Context, identifier string) FinancialResult {
	identifier = strings.ToUpper(strings.TrimSpace(identifier))
	if !Usable(identifier) {
		metrics.RecordRetrieval("financial", string(ProvenanceNone))
		return EmptyFinancial(identifier)
	}

	res := c.fetch(ctx, identifier)
	metrics.RecordRetrieval("financial", string(res.Provenance))
	return res
}

func (c *FinancialChain) fetch(ctx context.Context, identifier string) FinancialResult {
	detached := context.WithoutCancel(ctx)

	if p := c.cfg.Primary; p != nil && p.Configured() {
		callCtx, cancel := context.WithTimeout(detached, c.cfg.PrimaryTimeout)
		start := time.Now()
		ov, prices, err := p.Overview(callCtx, identifier)
		cancel()
		metrics.RecordProviderCall(p.Name(), err == nil, time.Since(start).Seconds())
		if err == nil {
			if prices == nil {
				prices = []PricePoint{}
			}
			return FinancialResult{Identifier: identifier, Overview: &ov, Prices: prices, Provenance: ProvenancePrimary, Provider: p.Name()}
		}
		c.tierFailed(p.Name(), 1, identifier, err)
	}

	if s := c.cfg.Secondary; s != nil {
		callCtx, cancel := context.WithTimeout(detached, c.cfg.SecondaryTimeout)
		start := time.Now()
		prices, err := s.DailyCloses(callCtx, identifier)
		cancel()
		metrics.RecordProviderCall(s.Name(), err == nil, time.Since(start).Seconds())
		if err == nil && len(prices) > 0 {
			ov := SyntheticOverview(identifier, prices)
			return FinancialResult{Identifier: identifier, Overview: &ov, Prices: prices, Provenance: ProvenancePartialReal, Provider: s.Name()}
		}
		if err == nil {
			err = ErrNoData
		}
		c.tierFailed(s.Name(), 2, identifier, err)
	}

	if !c.cfg.SyntheticFallback {
		return EmptyFinancial(identifier)
	}
	series := SyntheticSeries(identifier, c.now())
	ov := SyntheticOverview(identifier, series)
	return FinancialResult{Identifier: identifier, Overview: &ov, Prices: series, Provenance: ProvenanceSynthetic}
}

func (c *FinancialChain) tierFailed(provider string, tier int, identifier string, err error) {
	c.logger.Warn("Financial tier failed, falling back",
		zap.String("provider", provider),
		zap.Int("tier", tier),
		zap.String("identifier", identifier),
		zap.Error(err),
	)
}
