package oracle

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"optionsettle/core/types"
)

func testAsset(fill byte) types.Asset {
	var a types.Asset
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func newTestRouter(t *testing.T, now int64) (*Router, Registry, [20]byte) {
	t.Helper()
	owner := [20]byte{0x01}
	registry := NewMutableRegistry(owner)
	ref := testAsset(0xEE)
	refFeed := NewStaticFeed(8)
	refFeed.SetAnswer(big.NewInt(3_000_00000000), now) // 3000 REF, 8 feed decimals
	router := NewRouter(registry, ref, FeedEntry{Feed: refFeed, AssetDecimals: 18}, 3_600)
	router.SetNowFunc(func() int64 { return now })
	return router, registry, owner
}

func registerFeed(t *testing.T, registry Registry, owner [20]byte, asset types.Asset, feedDecimals, assetDecimals uint8, answer *big.Int, updatedAt int64) *StaticFeed {
	t.Helper()
	feed := NewStaticFeed(feedDecimals)
	feed.SetAnswer(answer, updatedAt)
	if err := registry.AddMapping(owner, []types.Asset{asset}, []FeedEntry{{Feed: feed, AssetDecimals: assetDecimals}}); err != nil {
		t.Fatalf("AddMapping: %v", err)
	}
	return feed
}

func TestGetPriceIdentity(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	asset := testAsset(0x10)
	registerFeed(t, registry, owner, asset, 8, 6, big.NewInt(100000000), now)

	price, err := router.GetPrice(asset, asset, nil)
	if err != nil {
		t.Fatalf("GetPrice identity: %v", err)
	}
	if price.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("identity price = %s, want 1e6 (6 decimals)", price)
	}
}

func TestGetPriceIdentityIgnoresStaleFeed(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	asset := testAsset(0x11)
	// Observation far outside the staleness window.
	registerFeed(t, registry, owner, asset, 8, 18, big.NewInt(5), now-1_000_000)

	price, err := router.GetPrice(asset, asset, nil)
	if err != nil {
		t.Fatalf("identity must not consult the feed: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if price.Cmp(want) != 0 {
		t.Fatalf("identity price = %s, want %s", price, want)
	}
}

func TestGetPriceCrossRate(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	base := testAsset(0x20)
	quoteAsset := testAsset(0x21)
	// base trades at 40 REF, quote (6 decimals) at 2 REF: 20 quote per base.
	registerFeed(t, registry, owner, base, 8, 18, big.NewInt(40_00000000), now)
	registerFeed(t, registry, owner, quoteAsset, 8, 6, big.NewInt(2_00000000), now)

	price, err := router.GetPrice(base, quoteAsset, nil)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Cmp(big.NewInt(20_000_000)) != 0 {
		t.Fatalf("cross price = %s, want 20e6", price)
	}
}

func TestGetPriceMixedFeedDecimals(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	base := testAsset(0x30)
	quoteAsset := testAsset(0x31)
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// base feed uses 18 decimals, quote feed 8 decimals; both price at 4 REF
	// and 2 REF respectively, so the pair is worth 2 quote per base.
	registerFeed(t, registry, owner, base, 18, 18, new(big.Int).Mul(big.NewInt(4), wad), now)
	registerFeed(t, registry, owner, quoteAsset, 8, 6, big.NewInt(2_00000000), now)

	price, err := router.GetPrice(base, quoteAsset, nil)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if price.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("cross price = %s, want 2e6", price)
	}
}

func TestGetPriceAgainstReferenceAsset(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	base := testAsset(0x40)
	// base at 1500 REF, reference asset at 3000 REF: 0.5 ref units per base.
	registerFeed(t, registry, owner, base, 8, 18, big.NewInt(1_500_00000000), now)

	ref := testAsset(0xEE)
	price, err := router.GetPrice(base, ref, nil)
	if err != nil {
		t.Fatalf("GetPrice vs reference: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil) // 0.5 scaled to 18 decimals
	want.Mul(want, big.NewInt(5))
	if price.Cmp(want) != 0 {
		t.Fatalf("price = %s, want %s", price, want)
	}
}

func TestGetPriceStaleness(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	base := testAsset(0x50)
	quoteAsset := testAsset(0x51)
	registerFeed(t, registry, owner, base, 8, 18, big.NewInt(100), now-3_601)
	registerFeed(t, registry, owner, quoteAsset, 8, 6, big.NewInt(100), now)

	_, err := router.GetPrice(base, quoteAsset, nil)
	if !errors.Is(err, ErrInvalidOracleAnswer) {
		t.Fatalf("stale feed: err = %v, want ErrInvalidOracleAnswer", err)
	}

	// Exactly at the staleness boundary the observation is still accepted.
	registerFeed(t, registry, owner, testAsset(0x52), 8, 18, big.NewInt(100), now-3_600)
	if _, err := router.GetPrice(testAsset(0x52), quoteAsset, nil); err != nil {
		t.Fatalf("boundary observation rejected: %v", err)
	}
}

func TestGetPriceRoundIntegrity(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	base := testAsset(0x60)
	quoteAsset := testAsset(0x61)
	feed := registerFeed(t, registry, owner, base, 8, 18, big.NewInt(100), now)
	registerFeed(t, registry, owner, quoteAsset, 8, 6, big.NewInt(100), now)

	cases := []RoundData{
		{RoundID: big.NewInt(0), Answer: big.NewInt(1), UpdatedAt: now, AnsweredInRound: big.NewInt(0)},
		{RoundID: big.NewInt(5), Answer: big.NewInt(1), UpdatedAt: now, AnsweredInRound: big.NewInt(4)},
		{RoundID: big.NewInt(5), Answer: big.NewInt(0), UpdatedAt: now, AnsweredInRound: big.NewInt(5)},
		{RoundID: big.NewInt(5), Answer: big.NewInt(-3), UpdatedAt: now, AnsweredInRound: big.NewInt(5)},
		{RoundID: big.NewInt(5), Answer: big.NewInt(1), UpdatedAt: now + 10, AnsweredInRound: big.NewInt(5)},
	}
	for i, rd := range cases {
		feed.SetRound(rd)
		if _, err := router.GetPrice(base, quoteAsset, nil); !errors.Is(err, ErrInvalidOracleAnswer) {
			t.Fatalf("case %d: err = %v, want ErrInvalidOracleAnswer", i, err)
		}
	}
}

func TestGetPriceNoOracle(t *testing.T) {
	now := int64(1_700_000_000)
	router, registry, owner := newTestRouter(t, now)
	registered := testAsset(0x70)
	registerFeed(t, registry, owner, registered, 8, 18, big.NewInt(100), now)

	if _, err := router.GetPrice(testAsset(0x71), registered, nil); !errors.Is(err, ErrNoOracle) {
		t.Fatalf("unmapped base: err = %v, want ErrNoOracle", err)
	}
	if _, err := router.GetPrice(registered, testAsset(0x71), nil); !errors.Is(err, ErrNoOracle) {
		t.Fatalf("unmapped quote: err = %v, want ErrNoOracle", err)
	}
}
