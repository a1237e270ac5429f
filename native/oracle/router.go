package oracle

import (
	"math/big"
	"time"

	"optionsettle/core/types"
)

// Router converts arbitrary pair requests into the common quote convention by
// crossing each leg's reference-currency feed. The distinguished reference
// asset (the wrapped native currency) carries a separately supplied feed so
// it can serve as a leg without a registry entry, and querying any asset
// against itself short-circuits to unit price without touching a feed.
type Router struct {
	registry     Registry
	refAsset     types.Asset
	refEntry     FeedEntry
	maxStaleness int64
	nowFn        func() int64
}

// NewRouter constructs a price router. maxStaleness bounds the accepted feed
// age in seconds; a non-positive value disables the staleness check.
func NewRouter(registry Registry, refAsset types.Asset, refEntry FeedEntry, maxStaleness int64) *Router {
	return &Router{
		registry:     registry,
		refAsset:     refAsset,
		refEntry:     refEntry,
		maxStaleness: maxStaleness,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the router clock, primarily for deterministic tests.
func (r *Router) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Router) entryFor(asset types.Asset) (FeedEntry, error) {
	if asset == r.refAsset && r.refEntry.Feed != nil {
		return r.refEntry, nil
	}
	if r.registry != nil {
		if entry, ok := r.registry.Entry(asset); ok {
			return entry, nil
		}
	}
	return FeedEntry{}, ErrNoOracle
}

// legAnswer fetches and validates the reference-currency observation for one
// leg of the pair.
func (r *Router) legAnswer(entry FeedEntry, now int64) (*big.Int, uint8, error) {
	rd, err := entry.Feed.LatestRoundData()
	if err != nil {
		return nil, 0, ErrInvalidOracleAnswer
	}
	if err := validateRound(rd, now, r.maxStaleness); err != nil {
		return nil, 0, err
	}
	return new(big.Int).Set(rd.Answer), entry.Feed.Decimals(), nil
}

// GetPrice implements the Oracle interface. The result is units of quote per
// one whole unit of base, scaled to the quote asset's decimals:
//
//	price = baseAnswer · 10^(quoteDecimals + quoteFeedDecimals) / (quoteAnswer · 10^(baseFeedDecimals))
//
// auxData is reserved for adapter-specific hints and ignored by the router.
func (r *Router) GetPrice(base, quote types.Asset, auxData []byte) (*big.Int, error) {
	if base.IsZero() || quote.IsZero() {
		return nil, ErrInvalidAddress
	}
	quoteEntry, err := r.entryFor(quote)
	if err != nil {
		return nil, err
	}
	if base == quote {
		// Identity pairs bypass feed lookups entirely so the reference
		// leg never fails staleness checks.
		return pow10(quoteEntry.AssetDecimals), nil
	}
	baseEntry, err := r.entryFor(base)
	if err != nil {
		return nil, err
	}
	now := r.nowFn()
	baseAnswer, baseFeedDec, err := r.legAnswer(baseEntry, now)
	if err != nil {
		return nil, err
	}
	quoteAnswer, quoteFeedDec, err := r.legAnswer(quoteEntry, now)
	if err != nil {
		return nil, err
	}

	numerator := new(big.Int).Mul(baseAnswer, pow10(quoteEntry.AssetDecimals))
	numerator.Mul(numerator, pow10(quoteFeedDec))
	denominator := new(big.Int).Mul(quoteAnswer, pow10(baseFeedDec))
	return numerator.Div(numerator, denominator), nil
}
