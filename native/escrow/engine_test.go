package escrow

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"optionsettle/core/types"
	"optionsettle/native/fees"
)

type mockState struct {
	escrows  map[[32]byte]*Escrow
	balances map[balanceKey]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[[32]byte]*Escrow),
		balances: make(map[balanceKey]*big.Int),
	}
}

func (m *mockState) EscrowGet(id [32]byte) (*Escrow, bool, error) {
	record, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return record.Clone(), true, nil
}

func (m *mockState) EscrowPut(e *Escrow) error {
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *mockState) Balance(addr [20]byte, asset types.Asset) (*big.Int, error) {
	if amt, ok := m.balances[balanceKey{addr: addr, asset: asset}]; ok {
		return new(big.Int).Set(amt), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetBalance(addr [20]byte, asset types.Asset, amount *big.Int) error {
	m.balances[balanceKey{addr: addr, asset: asset}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) fund(addr [20]byte, asset types.Asset, amount *big.Int) {
	m.balances[balanceKey{addr: addr, asset: asset}] = new(big.Int).Set(amount)
}

func (m *mockState) snapshot() *mockState {
	snap := newMockState()
	for id, record := range m.escrows {
		snap.escrows[id] = record.Clone()
	}
	for key, amt := range m.balances {
		snap.balances[key] = new(big.Int).Set(amt)
	}
	return snap
}

func (m *mockState) equal(other *mockState) bool {
	return reflect.DeepEqual(m.escrows, other.escrows) && reflect.DeepEqual(m.balances, other.balances)
}

type fixedOracle struct {
	price *big.Int
	err   error
}

func (o *fixedOracle) GetPrice(base, quoteAsset types.Asset, auxData []byte) (*big.Int, error) {
	if o.err != nil {
		return nil, o.err
	}
	return new(big.Int).Set(o.price), nil
}

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func testAsset(b byte) types.Asset {
	var asset types.Asset
	asset[19] = b
	return asset
}

// wad converts basis points into the 1e18 fixed-point scale.
func wad(bps int64) *big.Int {
	out := new(big.Int).Exp(big.NewInt(10), big.NewInt(14), nil)
	return out.Mul(out, big.NewInt(bps))
}

func units(n int64) *big.Int {
	out := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return out.Mul(out, big.NewInt(n))
}

var (
	testID        = [32]byte{0x01}
	owner         = testAddr(0x0a)
	bidder        = testAddr(0x0b)
	collector     = testAddr(0x0c)
	partner       = testAddr(0x0d)
	holder        = testAddr(0x0e)
	underlyingTok = testAsset(0x10)
	settlementTok = testAsset(0x20)
)

const testNow = int64(1_700_000_000)

func testAuctionInit() AuctionInitialization {
	return AuctionInitialization{
		Underlying:         underlyingTok,
		Settlement:         settlementTok,
		UnderlyingDecimals: 18,
		Notional:           units(1000),
		Advanced:           AdvancedSettings{BorrowingAllowed: true},
		Params:             testAuctionParams(),
	}
}

func testAuctionParams() AuctionParams {
	params := AuctionParams{
		RelStrike:             wad(11_000), // 110% of spot
		Tenor:                 30 * 86400,
		EarliestExerciseTenor: 86400,
		MinSpot:               big.NewInt(1_000_000),
		MaxSpot:               big.NewInt(3_000_000),
	}
	params.Curve.DecayStart = testNow + 3600
	params.Curve.DecayDuration = 6 * 3600
	params.Curve.PremiumStart = wad(1000) // 10%
	params.Curve.PremiumFloor = wad(500)  // 5%
	return params
}

func newTestEngine(t *testing.T, spot *big.Int) (*Engine, *mockState, *fixedOracle) {
	t.Helper()
	state := newMockState()
	priceOracle := &fixedOracle{price: spot}
	engine := NewEngine(state, priceOracle)
	engine.SetNowFunc(func() int64 { return testNow })
	engine.SetFeePolicy(testPolicy(), collector)
	return engine, state, priceOracle
}

func testPolicy() fees.Policy {
	return fees.Policy{MatchFeeBps: 1000, DistPartnerShareBps: 5000}
}

func TestInitializeAuctionLocksCollateral(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	state.fund(owner, underlyingTok, units(1000))

	if err := engine.InitializeAuction(testID, owner, testAuctionInit()); err != nil {
		t.Fatalf("initialize auction: %v", err)
	}
	vaultBal, _ := state.Balance(VaultAddress(testID), underlyingTok)
	if vaultBal.Cmp(units(1000)) != 0 {
		t.Fatalf("vault balance = %s, want %s", vaultBal, units(1000))
	}
	ownerBal, _ := state.Balance(owner, underlyingTok)
	if ownerBal.Sign() != 0 {
		t.Fatalf("owner balance = %s, want 0", ownerBal)
	}
	record, err := engine.Escrow(testID)
	if err != nil {
		t.Fatalf("load escrow: %v", err)
	}
	if record.Phase != PhaseAuction {
		t.Fatalf("phase = %v, want auction", record.Phase)
	}

	state.fund(owner, underlyingTok, units(1000))
	if err := engine.InitializeAuction(testID, owner, testAuctionInit()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second init err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitializeAuctionValidation(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	state.fund(owner, underlyingTok, units(1000))

	init := testAuctionInit()
	init.Params.MinSpot = big.NewInt(5_000_000)
	if err := engine.InitializeAuction(testID, owner, init); !errors.Is(err, ErrInvalidSpotBounds) {
		t.Fatalf("err = %v, want ErrInvalidSpotBounds", err)
	}

	init = testAuctionInit()
	init.Params.EarliestExerciseTenor = init.Params.Tenor + 1
	if err := engine.InitializeAuction(testID, owner, init); !errors.Is(err, ErrInvalidTenor) {
		t.Fatalf("err = %v, want ErrInvalidTenor", err)
	}

	init = testAuctionInit()
	init.Notional = big.NewInt(0)
	if err := engine.InitializeAuction(testID, owner, init); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
}

// setupAuction funds the owner and opens the standard test auction.
func setupAuction(t *testing.T, engine *Engine, state *mockState) {
	t.Helper()
	state.fund(owner, underlyingTok, units(1000))
	if err := engine.InitializeAuction(testID, owner, testAuctionInit()); err != nil {
		t.Fatalf("initialize auction: %v", err)
	}
}

func TestBidAtAskBoundary(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))

	ask := testAuctionParams().Curve.CurrentAsk(testNow)
	below := new(big.Int).Sub(ask, big.NewInt(1))
	preview, err := engine.HandleAuctionBid(testID, bidder, bidder, below, spot, nil, nil, partner)
	if !errors.Is(err, ErrBidRejected) {
		t.Fatalf("err = %v, want ErrBidRejected", err)
	}
	if preview.Status != BidPremiumTooLow {
		t.Fatalf("status = %v, want PremiumTooLow", preview.Status)
	}

	preview, err = engine.HandleAuctionBid(testID, bidder, bidder, ask, spot, nil, nil, partner)
	if err != nil {
		t.Fatalf("bid at ask: %v", err)
	}
	if preview.Status != BidSuccess {
		t.Fatalf("status = %v, want Success", preview.Status)
	}
}

func TestBidSpotChecks(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, priceOracle := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))
	relBid := wad(1000)

	lowRef := new(big.Int).Sub(spot, big.NewInt(1))
	preview, err := engine.PreviewBid(testID, relBid, lowRef, nil, partner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Status != BidSpotPriceTooLow {
		t.Fatalf("status = %v, want SpotPriceTooLow", preview.Status)
	}

	priceOracle.price = big.NewInt(999_999) // one below minSpot
	preview, err = engine.PreviewBid(testID, relBid, spot, nil, partner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Status != BidOutOfRangeSpotPrice {
		t.Fatalf("status = %v, want OutOfRangeSpotPrice", preview.Status)
	}

	priceOracle.price = big.NewInt(1_000_000) // exactly minSpot
	preview, err = engine.PreviewBid(testID, relBid, spot, nil, partner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Status != BidSuccess {
		t.Fatalf("status at minSpot = %v, want Success", preview.Status)
	}
}

func TestBidInsufficientFundingAfterCollateralDrain(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))

	if err := engine.HandleWithdraw(testID, owner, owner, underlyingTok, units(1)); err != nil {
		t.Fatalf("auction withdraw: %v", err)
	}
	preview, err := engine.PreviewBid(testID, wad(1000), spot, nil, partner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Status != BidInsufficientFunding {
		t.Fatalf("status = %v, want InsufficientFunding", preview.Status)
	}
}

func TestPreviewHandleAgreement(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))

	relBid := wad(1000)
	preview, err := engine.PreviewBid(testID, relBid, spot, nil, partner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Status != BidSuccess {
		t.Fatalf("preview status = %v, want Success", preview.Status)
	}

	ownerBefore, _ := state.Balance(owner, settlementTok)
	collectorBefore, _ := state.Balance(collector, settlementTok)
	partnerBefore, _ := state.Balance(partner, settlementTok)
	bidderBefore, _ := state.Balance(bidder, settlementTok)

	handled, err := engine.HandleAuctionBid(testID, bidder, bidder, relBid, spot, nil, nil, partner)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if handled.Premium.Cmp(preview.Premium) != 0 {
		t.Fatalf("handle premium %s != preview %s", handled.Premium, preview.Premium)
	}
	if handled.Strike.Cmp(preview.Strike) != 0 {
		t.Fatalf("handle strike %s != preview %s", handled.Strike, preview.Strike)
	}

	ownerAfter, _ := state.Balance(owner, settlementTok)
	if diff := new(big.Int).Sub(ownerAfter, ownerBefore); diff.Cmp(preview.Fees.SellerProceeds) != 0 {
		t.Fatalf("seller proceeds delta %s, want %s", diff, preview.Fees.SellerProceeds)
	}
	collectorAfter, _ := state.Balance(collector, settlementTok)
	if diff := new(big.Int).Sub(collectorAfter, collectorBefore); diff.Cmp(preview.Fees.ProtocolFee) != 0 {
		t.Fatalf("protocol fee delta %s, want %s", diff, preview.Fees.ProtocolFee)
	}
	partnerAfter, _ := state.Balance(partner, settlementTok)
	if diff := new(big.Int).Sub(partnerAfter, partnerBefore); diff.Cmp(preview.Fees.DistPartnerFee) != 0 {
		t.Fatalf("partner fee delta %s, want %s", diff, preview.Fees.DistPartnerFee)
	}
	bidderAfter, _ := state.Balance(bidder, settlementTok)
	if diff := new(big.Int).Sub(bidderBefore, bidderAfter); diff.Cmp(preview.Premium) != 0 {
		t.Fatalf("bidder paid %s, want %s", diff, preview.Premium)
	}
}

func TestNoDoubleMint(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))

	if _, err := engine.HandleAuctionBid(testID, bidder, bidder, wad(1000), spot, nil, nil, partner); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	snap := state.snapshot()
	preview, err := engine.HandleAuctionBid(testID, bidder, bidder, wad(1000), spot, nil, nil, partner)
	if !errors.Is(err, ErrBidRejected) {
		t.Fatalf("second bid err = %v, want ErrBidRejected", err)
	}
	if preview.Status != BidOptionAlreadyMinted {
		t.Fatalf("status = %v, want OptionAlreadyMinted", preview.Status)
	}
	if !state.equal(snap) {
		t.Fatal("state changed by rejected bid")
	}
}

func TestBidRollbackOnInsufficientBidderFunds(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, big.NewInt(1)) // far below premium

	snap := state.snapshot()
	if _, err := engine.HandleAuctionBid(testID, bidder, bidder, wad(1000), spot, nil, nil, partner); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if !state.equal(snap) {
		t.Fatal("failed bid mutated state")
	}
}

func TestBidMaxPremiumCap(t *testing.T) {
	spot := big.NewInt(2_000_000)
	engine, state, _ := newTestEngine(t, spot)
	setupAuction(t, engine, state)
	state.fund(bidder, settlementTok, units(1_000_000))

	preview, err := engine.PreviewBid(testID, wad(1000), spot, nil, partner)
	if err != nil || preview.Status != BidSuccess {
		t.Fatalf("preview: %v status %v", err, preview.Status)
	}
	capAmt := new(big.Int).Sub(preview.Premium, big.NewInt(1))
	if _, err := engine.HandleAuctionBid(testID, bidder, bidder, wad(1000), spot, capAmt, nil, partner); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("err = %v, want ErrAmountTooLarge", err)
	}
}

// mintRFQ creates a minted escrow directly via the RFQ path with a 110%
// strike at a 2.0 spot (strike 2.2 settlement per underlying unit).
func mintRFQ(t *testing.T, engine *Engine, state *mockState, borrowing bool) {
	t.Helper()
	state.fund(owner, underlyingTok, units(1000))
	state.fund(holder, settlementTok, units(1_000_000))
	init := RFQInitialization{
		Option: OptionInfo{
			Underlying:         underlyingTok,
			Settlement:         settlementTok,
			UnderlyingDecimals: 18,
			Notional:           units(1000),
			Strike:             wad(11_000), // 1.1 settlement per underlying unit
			Earliest:           testNow + 86400,
			Expiry:             testNow + 30*86400,
			Advanced:           AdvancedSettings{BorrowingAllowed: borrowing},
		},
		OptionReceiver: holder,
		Premium:        units(50),
		ValidUntil:     testNow + 3600,
		SignerAddr:     holder,
	}
	if err := engine.InitializeRFQMatch(testID, owner, init); err != nil {
		t.Fatalf("rfq init: %v", err)
	}
}

func TestBorrowCollateralProportional(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	collateral, err := engine.HandleBorrow(testID, holder, holder, units(500))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if collateral.Cmp(units(550)) != 0 {
		t.Fatalf("collateral = %s, want %s", collateral, units(550))
	}
	holderUnderlying, _ := state.Balance(holder, underlyingTok)
	if holderUnderlying.Cmp(units(500)) != 0 {
		t.Fatalf("drawn underlying = %s, want %s", holderUnderlying, units(500))
	}
	record, _ := engine.Escrow(testID)
	if record.BorrowedBalance(holder).Cmp(units(500)) != 0 {
		t.Fatalf("recorded borrow = %s, want %s", record.BorrowedBalance(holder), units(500))
	}

	if _, err := engine.HandleBorrow(testID, holder, holder, units(501)); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("over-borrow err = %v, want ErrAmountTooLarge", err)
	}
}

func TestReverseMintRoundTrip(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	settleBefore, _ := state.Balance(holder, settlementTok)
	if _, err := engine.HandleBorrow(testID, holder, holder, units(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := engine.ReverseMint(testID, holder, units(500)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	settleAfter, _ := state.Balance(holder, settlementTok)
	if settleBefore.Cmp(settleAfter) != 0 {
		t.Fatalf("settlement balance %s, want %s back", settleAfter, settleBefore)
	}
	record, _ := engine.Escrow(testID)
	if record.BorrowedBalance(holder).Sign() != 0 {
		t.Fatalf("borrow not cleared: %s", record.BorrowedBalance(holder))
	}
	if _, err := engine.ReverseMint(testID, holder, units(1)); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("over-repay err = %v, want ErrAmountTooLarge", err)
	}
}

func TestExerciseWindow(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	if _, err := engine.HandleCallExercise(testID, holder, holder, units(100), true, nil); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("pre-window err = %v, want ErrInvalidTime", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 86400 })
	payment, err := engine.HandleCallExercise(testID, holder, holder, units(100), true, nil)
	if err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if payment.Cmp(units(110)) != 0 {
		t.Fatalf("payment = %s, want %s", payment, units(110))
	}
	record, _ := engine.Escrow(testID)
	if record.TotalSupply.Cmp(units(900)) != 0 {
		t.Fatalf("total supply = %s, want %s", record.TotalSupply, units(900))
	}
	if record.ShareBalance(holder).Cmp(units(900)) != 0 {
		t.Fatalf("shares = %s, want %s", record.ShareBalance(holder), units(900))
	}

	engine.SetNowFunc(func() int64 { return testNow + 30*86400 })
	if _, err := engine.HandleCallExercise(testID, holder, holder, units(100), true, nil); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("at-expiry err = %v, want ErrInvalidTime", err)
	}
}

func TestCashlessExercise(t *testing.T) {
	engine, state, _ := newTestEngine(t, units(2)) // spot 2.0 in 18-decimal settlement
	mintRFQ(t, engine, state, true)
	engine.SetNowFunc(func() int64 { return testNow + 86400 })

	before, _ := state.Balance(holder, underlyingTok)
	if _, err := engine.HandleCallExercise(testID, holder, holder, units(100), false, nil); err != nil {
		t.Fatalf("cashless exercise: %v", err)
	}
	after, _ := state.Balance(holder, underlyingTok)
	// payment 110 settlement at spot 2.0 retains 55 underlying, releases 45.
	if diff := new(big.Int).Sub(after, before); diff.Cmp(units(45)) != 0 {
		t.Fatalf("released = %s, want %s", diff, units(45))
	}
}

func TestReverseExerciseRestoresPosition(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)
	engine.SetNowFunc(func() int64 { return testNow + 86400 })

	if _, err := engine.HandleCallExercise(testID, holder, holder, units(100), true, nil); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	refund, err := engine.ReverseExercise(testID, holder, units(100))
	if err != nil {
		t.Fatalf("reverse exercise: %v", err)
	}
	if refund.Cmp(units(110)) != 0 {
		t.Fatalf("refund = %s, want %s", refund, units(110))
	}
	record, _ := engine.Escrow(testID)
	if record.ShareBalance(holder).Cmp(units(1000)) != 0 {
		t.Fatalf("shares = %s, want %s", record.ShareBalance(holder), units(1000))
	}
	if record.TotalSupply.Cmp(units(1000)) != 0 {
		t.Fatalf("total supply = %s, want %s", record.TotalSupply, units(1000))
	}
	if _, err := engine.ReverseExercise(testID, holder, units(1)); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("over-reverse err = %v, want ErrAmountTooLarge", err)
	}
}

func TestReverseOpsRequireFlag(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, false)
	engine.SetNowFunc(func() int64 { return testNow + 86400 })

	if _, err := engine.HandleBorrow(testID, holder, holder, units(10)); !errors.Is(err, ErrBorrowingNotAllowed) {
		t.Fatalf("borrow err = %v, want ErrBorrowingNotAllowed", err)
	}
	if _, err := engine.ReverseMint(testID, holder, units(10)); !errors.Is(err, ErrNotReverseExercisable) {
		t.Fatalf("reverse mint err = %v, want ErrNotReverseExercisable", err)
	}
	if _, err := engine.ReverseExercise(testID, holder, units(10)); !errors.Is(err, ErrNotReverseExercisable) {
		t.Fatalf("reverse exercise err = %v, want ErrNotReverseExercisable", err)
	}
}

func TestReverseExerciseZeroRefund(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	state.fund(owner, underlyingTok, units(1000))
	state.fund(holder, settlementTok, units(1000))
	init := RFQInitialization{
		Option: OptionInfo{
			Underlying:         underlyingTok,
			Settlement:         settlementTok,
			UnderlyingDecimals: 18,
			Notional:           units(1000),
			Strike:             big.NewInt(1), // sub-unit strike
			Earliest:           testNow,
			Expiry:             testNow + 30*86400,
			Advanced:           AdvancedSettings{BorrowingAllowed: true},
		},
		OptionReceiver: holder,
		Premium:        units(1),
		ValidUntil:     testNow + 3600,
		SignerAddr:     holder,
	}
	if err := engine.InitializeRFQMatch(testID, owner, init); err != nil {
		t.Fatalf("rfq init: %v", err)
	}
	if _, err := engine.HandleCallExercise(testID, holder, holder, big.NewInt(1), true, nil); err != nil {
		t.Fatalf("exercise one base unit: %v", err)
	}
	if _, err := engine.ReverseExercise(testID, holder, big.NewInt(1)); !errors.Is(err, ErrZeroSettlementAmount) {
		t.Fatalf("err = %v, want ErrZeroSettlementAmount", err)
	}
}

func TestWithdrawClaimSafety(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	if err := engine.HandleWithdraw(testID, holder, holder, underlyingTok, units(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner err = %v, want ErrUnauthorized", err)
	}
	if err := engine.HandleWithdraw(testID, owner, owner, underlyingTok, units(1)); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("pre-expiry withdraw err = %v, want ErrAmountTooLarge", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 30*86400 })
	if err := engine.HandleWithdraw(testID, owner, owner, underlyingTok, units(1000)); err != nil {
		t.Fatalf("post-expiry withdraw: %v", err)
	}
	ownerBal, _ := state.Balance(owner, underlyingTok)
	if ownerBal.Cmp(units(1000)) != 0 {
		t.Fatalf("owner reclaimed %s, want %s", ownerBal, units(1000))
	}
	record, _ := engine.Escrow(testID)
	if record.Phase != PhaseExpired {
		t.Fatalf("phase = %v, want expired", record.Phase)
	}
}

func TestWithdrawReservesBorrowCollateral(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)
	if _, err := engine.HandleBorrow(testID, holder, holder, units(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Vault holds 500 underlying and 550 settlement collateral; every unit
	// backs an outstanding claim before expiry.
	if err := engine.HandleWithdraw(testID, owner, owner, settlementTok, big.NewInt(1)); !errors.Is(err, ErrAmountTooLarge) {
		t.Fatalf("collateral withdraw err = %v, want ErrAmountTooLarge", err)
	}
	free, err := engine.WithdrawableBalance(testID, underlyingTok)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if free.Sign() != 0 {
		t.Fatalf("free underlying = %s, want 0", free)
	}
}

func TestExpireLifecycle(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	if err := engine.Expire(testID); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("early expire err = %v, want ErrInvalidTime", err)
	}
	engine.SetNowFunc(func() int64 { return testNow + 30*86400 })
	if err := engine.Expire(testID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := engine.Expire(testID); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("double expire err = %v, want ErrInvalidTime", err)
	}
}

func TestRFQReplayRejected(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)

	state.fund(owner, underlyingTok, units(1000))
	state.fund(holder, settlementTok, units(1_000_000))
	init := RFQInitialization{
		Option: OptionInfo{
			Underlying:         underlyingTok,
			Settlement:         settlementTok,
			UnderlyingDecimals: 18,
			Notional:           units(1000),
			Strike:             wad(11_000),
			Earliest:           testNow + 86400,
			Expiry:             testNow + 30*86400,
			Advanced:           AdvancedSettings{BorrowingAllowed: true},
		},
		OptionReceiver: holder,
		Premium:        units(50),
		ValidUntil:     testNow + 3600,
		SignerAddr:     holder,
	}
	if err := engine.InitializeRFQMatch(testID, owner, init); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("replay err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestTransferSharesRejected(t *testing.T) {
	engine, state, _ := newTestEngine(t, big.NewInt(2_000_000))
	mintRFQ(t, engine, state, true)
	if err := engine.TransferShares(testID, holder, bidder, units(1)); !errors.Is(err, ErrNonTransferrable) {
		t.Fatalf("err = %v, want ErrNonTransferrable", err)
	}
}
