package escrow

import (
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"optionsettle/core/events"
	"optionsettle/core/types"
	"optionsettle/native/fees"
	"optionsettle/native/oracle"
	"optionsettle/native/pricing"
)

// engineState is the narrow ledger surface the engine mutates. Escrow
// records and account balances live behind it; the engine never talks to
// storage directly.
type engineState interface {
	EscrowGet(id [32]byte) (*Escrow, bool, error)
	EscrowPut(e *Escrow) error
	Balance(addr [20]byte, asset types.Asset) (*big.Int, error)
	SetBalance(addr [20]byte, asset types.Asset, amount *big.Int) error
}

// Engine executes the option escrow state machine. All mutating operations
// stage their ledger writes and flush them only after every check passed, so
// a failed transition leaves state byte for byte untouched.
type Engine struct {
	state        engineState
	emitter      events.Emitter
	oracle       oracle.Oracle
	feePolicy    fees.Policy
	feeCollector [20]byte
	nowFn        func() int64
}

// NewEngine constructs an engine over the supplied state. Events are
// discarded until SetEmitter installs a sink; fee rates default to zero.
func NewEngine(state engineState, priceOracle oracle.Oracle) *Engine {
	return &Engine{
		state:   state,
		emitter: events.NoopEmitter{},
		oracle:  priceOracle,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter installs the event sink. Passing nil restores the discard sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the engine clock. Tests use it to pin transition
// timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetFeePolicy installs the fee rates and the protocol fee collector.
func (e *Engine) SetFeePolicy(policy fees.Policy, collector [20]byte) {
	e.feePolicy = policy.Clone()
	e.feeCollector = collector
}

// VaultAddress derives the deterministic per-escrow vault account holding
// the locked collateral and accumulated settlement proceeds.
func VaultAddress(id [32]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("optionsettle/vault/v1"), id[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// ledgerTx stages balance writes against the engine state. Reads see staged
// values; commit flushes every touched balance, and an abandoned tx costs
// nothing.
type ledgerTx struct {
	state  engineState
	staged map[balanceKey]*big.Int
}

type balanceKey struct {
	addr  [20]byte
	asset types.Asset
}

func newLedgerTx(state engineState) *ledgerTx {
	return &ledgerTx{state: state, staged: make(map[balanceKey]*big.Int)}
}

func (tx *ledgerTx) balance(addr [20]byte, asset types.Asset) (*big.Int, error) {
	key := balanceKey{addr: addr, asset: asset}
	if amt, ok := tx.staged[key]; ok {
		return new(big.Int).Set(amt), nil
	}
	amt, err := tx.state.Balance(addr, asset)
	if err != nil {
		return nil, err
	}
	if amt == nil {
		amt = big.NewInt(0)
	}
	return new(big.Int).Set(amt), nil
}

func (tx *ledgerTx) transfer(from, to [20]byte, asset types.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := tx.balance(from, asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	toBal, err := tx.balance(to, asset)
	if err != nil {
		return err
	}
	tx.staged[balanceKey{addr: from, asset: asset}] = fromBal.Sub(fromBal, amount)
	tx.staged[balanceKey{addr: to, asset: asset}] = toBal.Add(toBal, amount)
	return nil
}

func (tx *ledgerTx) commit() error {
	for key, amt := range tx.staged {
		if err := tx.state.SetBalance(key.addr, key.asset, amt); err != nil {
			return fmt.Errorf("escrow: flush balance: %w", err)
		}
	}
	return nil
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	record, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load %x: %w", id, err)
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return record.Clone(), nil
}

// settlementAmount converts an underlying base-unit amount into settlement
// base units at the option strike. The strike quotes settlement units per
// whole underlying unit, so the product is scaled down by the underlying
// decimals. Rounds up when roundUp is set so the vault is never underfunded
// by truncation.
func settlementAmount(opt OptionInfo, amount *big.Int, roundUp bool) *big.Int {
	scale := opt.UnitScale()
	product := new(big.Int).Mul(opt.Strike, amount)
	quo, rem := new(big.Int).QuoRem(product, scale, new(big.Int))
	if roundUp && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// InitializeAuction creates an auction escrow, locking the full notional of
// the underlying from the owner into the escrow vault. The id must be fresh.
func (e *Engine) InitializeAuction(id [32]byte, owner [20]byte, init AuctionInitialization) error {
	if owner == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if init.Underlying.IsZero() || init.Settlement.IsZero() {
		return ErrInvalidAddress
	}
	if init.Notional == nil || init.Notional.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := init.Params.Validate(); err != nil {
		return err
	}
	if _, ok, err := e.state.EscrowGet(id); err != nil {
		return fmt.Errorf("escrow: load %x: %w", id, err)
	} else if ok {
		return ErrAlreadyInitialized
	}
	now := e.nowFn()

	tx := newLedgerTx(e.state)
	if err := tx.transfer(owner, VaultAddress(id), init.Underlying, init.Notional); err != nil {
		return err
	}
	record := &Escrow{
		ID:    id,
		Owner: owner,
		Phase: PhaseAuction,
		Option: OptionInfo{
			Underlying:         init.Underlying,
			Settlement:         init.Settlement,
			UnderlyingDecimals: init.UnderlyingDecimals,
			Notional:           new(big.Int).Set(init.Notional),
			Advanced:           init.Advanced,
		},
		Auction:     init.Params.Clone(),
		CreatedAt:   now,
		TotalSupply: big.NewInt(0),
		Shares:      make(map[[20]byte]*big.Int),
		Borrowed:    make(map[[20]byte]*big.Int),
		Exercised:   make(map[[20]byte]*big.Int),
	}
	if err := e.state.EscrowPut(record); err != nil {
		return fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.emitter.Emit(newAuctionCreatedEvent(record, now))
	return nil
}

// InitializeRFQMatch mints an option directly from a verified quote. The
// caller escrows the notional underlying, the quoted premium is pulled from
// the premium payer, fees are carved out and the seller receives the
// remainder immediately. The id is the quote digest, which makes every
// signed quote single use.
func (e *Engine) InitializeRFQMatch(id [32]byte, owner [20]byte, init RFQInitialization) error {
	if owner == ([20]byte{}) || init.OptionReceiver == ([20]byte{}) || init.SignerAddr == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if err := init.Option.Validate(); err != nil {
		return err
	}
	if init.Premium == nil || init.Premium.Sign() <= 0 {
		return ErrInvalidAmount
	}
	now := e.nowFn()
	if init.Option.Expiry <= now {
		return ErrInvalidTime
	}
	if _, ok, err := e.state.EscrowGet(id); err != nil {
		return fmt.Errorf("escrow: load %x: %w", id, err)
	} else if ok {
		return ErrAlreadyInitialized
	}

	vault := VaultAddress(id)
	tx := newLedgerTx(e.state)
	if err := tx.transfer(owner, vault, init.Option.Underlying, init.Option.Notional); err != nil {
		return err
	}
	breakdown := foldBreakdown(fees.Compute(init.Premium, e.feePolicy), init.DistPartner)
	if err := e.distributePremium(tx, init.SignerAddr, owner, init.Option.Settlement, breakdown, init.DistPartner); err != nil {
		return err
	}

	record := &Escrow{
		ID:          id,
		Owner:       owner,
		Phase:       PhaseMinted,
		Option:      init.Option,
		CreatedAt:   now,
		Minted:      true,
		TotalSupply: new(big.Int).Set(init.Option.Notional),
		Shares: map[[20]byte]*big.Int{
			init.OptionReceiver: new(big.Int).Set(init.Option.Notional),
		},
		Borrowed:  make(map[[20]byte]*big.Int),
		Exercised: make(map[[20]byte]*big.Int),
	}
	record.Option.Notional = new(big.Int).Set(init.Option.Notional)
	record.Option.Strike = new(big.Int).Set(init.Option.Strike)
	if err := e.state.EscrowPut(record); err != nil {
		return fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.emitter.Emit(newQuoteTakenEvent(record, init.OptionReceiver, init.Premium, breakdown, now))
	return nil
}

// foldBreakdown rolls the distribution partner share back into the protocol
// fee when no partner address was supplied. Preview and handle both fold, so
// the breakdown a preview reports is exactly what the handle path transfers.
func foldBreakdown(breakdown fees.Breakdown, distPartner [20]byte) fees.Breakdown {
	if distPartner != ([20]byte{}) {
		return breakdown
	}
	folded := breakdown.Clone()
	folded.ProtocolFee.Add(folded.ProtocolFee, folded.DistPartnerFee)
	folded.DistPartnerFee = big.NewInt(0)
	return folded
}

// distributePremium moves the quoted or bid premium from the payer: the
// protocol fee to the collector, the distribution partner share to the
// partner, and the remainder to the seller.
func (e *Engine) distributePremium(tx *ledgerTx, payer, seller [20]byte, settlement types.Asset, breakdown fees.Breakdown, distPartner [20]byte) error {
	if err := tx.transfer(payer, seller, settlement, breakdown.SellerProceeds); err != nil {
		return err
	}
	if breakdown.DistPartnerFee.Sign() > 0 {
		if err := tx.transfer(payer, distPartner, settlement, breakdown.DistPartnerFee); err != nil {
			return err
		}
	}
	if breakdown.ProtocolFee.Sign() > 0 {
		if e.feeCollector == ([20]byte{}) {
			return fmt.Errorf("escrow: fee collector unset with nonzero fees")
		}
		if err := tx.transfer(payer, e.feeCollector, settlement, breakdown.ProtocolFee); err != nil {
			return err
		}
	}
	return nil
}

// bidPremium converts a relative bid into absolute settlement units:
// relBid * spot * notional scaled down by the percentage scale and the
// underlying decimals.
func bidPremium(relBid, spot, notional *big.Int, underlyingDecimals uint8) *big.Int {
	premium := new(big.Int).Mul(relBid, spot)
	premium.Mul(premium, notional)
	premium.Quo(premium, pricing.Wad)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(underlyingDecimals)), nil)
	return premium.Quo(premium, scale)
}

// PreviewBid evaluates a bid against the current ask, the oracle and the
// escrow's remaining collateral without touching state. The returned status
// is the single authoritative reason: checks run in a fixed priority order
// and the first failure wins. refSpot is the spot the bidder priced against
// and must not be more favorable than the oracle's own read.
func (e *Engine) PreviewBid(id [32]byte, relBid, refSpot *big.Int, oracleData []byte, distPartner [20]byte) (BidPreview, error) {
	record, err := e.loadEscrow(id)
	if err != nil {
		return BidPreview{}, err
	}
	if relBid == nil || relBid.Sign() <= 0 || refSpot == nil || refSpot.Sign() <= 0 {
		return BidPreview{}, ErrInvalidAmount
	}
	now := e.nowFn()
	return e.previewBid(record, relBid, refSpot, oracleData, distPartner, now)
}

func (e *Engine) previewBid(record *Escrow, relBid, refSpot *big.Int, oracleData []byte, distPartner [20]byte, now int64) (BidPreview, error) {
	preview := BidPreview{}

	if record.Phase != PhaseAuction || record.Minted {
		preview.Status = BidOptionAlreadyMinted
		return preview, nil
	}
	params := record.Auction
	ask := params.Curve.CurrentAsk(now)
	if relBid.Cmp(ask) < 0 {
		preview.Status = BidPremiumTooLow
		return preview, nil
	}
	spot, err := e.oracle.GetPrice(record.Option.Underlying, record.Option.Settlement, oracleData)
	if err != nil {
		return BidPreview{}, err
	}
	preview.OracleSpot = spot
	if refSpot.Cmp(spot) < 0 {
		preview.Status = BidSpotPriceTooLow
		return preview, nil
	}
	if spot.Cmp(params.MinSpot) < 0 || spot.Cmp(params.MaxSpot) > 0 {
		preview.Status = BidOutOfRangeSpotPrice
		return preview, nil
	}
	locked, err := e.state.Balance(VaultAddress(record.ID), record.Option.Underlying)
	if err != nil {
		return BidPreview{}, err
	}
	if locked == nil || locked.Cmp(record.Option.Notional) < 0 {
		preview.Status = BidInsufficientFunding
		return preview, nil
	}

	preview.Status = BidSuccess
	preview.Premium = bidPremium(relBid, spot, record.Option.Notional, record.Option.UnderlyingDecimals)
	preview.Strike = new(big.Int).Mul(params.RelStrike, spot)
	preview.Strike.Quo(preview.Strike, pricing.Wad)
	preview.Fees = foldBreakdown(fees.Compute(preview.Premium, e.feePolicy), distPartner)
	preview.Earliest = now + params.EarliestExerciseTenor
	preview.Expiry = now + params.Tenor
	return preview, nil
}

// HandleAuctionBid settles a winning bid: it realises exactly the preview
// result, pulls the premium from the bidder, distributes fees and mints the
// full notional of option shares to the receiver. maxPremium caps the
// settlement amount the bidder will pay against oracle movement between
// signing and execution. A rejected bid returns ErrBidRejected alongside the
// preview carrying the reason, with no state change.
func (e *Engine) HandleAuctionBid(id [32]byte, bidder, optionReceiver [20]byte, relBid, refSpot, maxPremium *big.Int, oracleData []byte, distPartner [20]byte) (BidPreview, error) {
	if bidder == ([20]byte{}) || optionReceiver == ([20]byte{}) {
		return BidPreview{}, ErrInvalidAddress
	}
	record, err := e.loadEscrow(id)
	if err != nil {
		return BidPreview{}, err
	}
	if relBid == nil || relBid.Sign() <= 0 || refSpot == nil || refSpot.Sign() <= 0 {
		return BidPreview{}, ErrInvalidAmount
	}
	now := e.nowFn()
	preview, err := e.previewBid(record, relBid, refSpot, oracleData, distPartner, now)
	if err != nil {
		return BidPreview{}, err
	}
	if preview.Status != BidSuccess {
		return preview, fmt.Errorf("%w: %s", ErrBidRejected, preview.Status)
	}
	if maxPremium != nil && maxPremium.Sign() > 0 && preview.Premium.Cmp(maxPremium) > 0 {
		return BidPreview{}, ErrAmountTooLarge
	}

	tx := newLedgerTx(e.state)
	if err := e.distributePremium(tx, bidder, record.Owner, record.Option.Settlement, preview.Fees, distPartner); err != nil {
		return BidPreview{}, err
	}
	record.Phase = PhaseMinted
	record.Minted = true
	record.Option.Strike = new(big.Int).Set(preview.Strike)
	record.Option.Earliest = preview.Earliest
	record.Option.Expiry = preview.Expiry
	record.TotalSupply = new(big.Int).Set(record.Option.Notional)
	record.Shares[optionReceiver] = new(big.Int).Add(balanceOf(record.Shares, optionReceiver), record.Option.Notional)
	if err := e.state.EscrowPut(record); err != nil {
		return BidPreview{}, fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return BidPreview{}, err
	}
	e.emitter.Emit(newBidAcceptedEvent(record, bidder, optionReceiver, relBid, refSpot, preview, now))
	return preview, nil
}

// HandleBorrow lends underlying out of the vault against settlement
// collateral at the strike. The drawn amount goes to underlyingReceiver
// while the debt is recorded against the borrower. Collateral rounds up so
// the vault is made whole even for amounts that do not divide evenly.
func (e *Engine) HandleBorrow(id [32]byte, borrower, underlyingReceiver [20]byte, amount *big.Int) (*big.Int, error) {
	if underlyingReceiver == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	record, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if record.Phase != PhaseMinted {
		return nil, ErrInvalidTime
	}
	if !record.Option.Advanced.BorrowingAllowed {
		return nil, ErrBorrowingNotAllowed
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.nowFn()
	if now >= record.Option.Expiry {
		return nil, ErrInvalidTime
	}
	shares := balanceOf(record.Shares, borrower)
	borrowed := balanceOf(record.Borrowed, borrower)
	headroom := new(big.Int).Sub(shares, borrowed)
	if amount.Cmp(headroom) > 0 {
		return nil, ErrAmountTooLarge
	}
	collateral := settlementAmount(record.Option, amount, true)

	vault := VaultAddress(id)
	tx := newLedgerTx(e.state)
	if err := tx.transfer(borrower, vault, record.Option.Settlement, collateral); err != nil {
		return nil, err
	}
	if err := tx.transfer(vault, underlyingReceiver, record.Option.Underlying, amount); err != nil {
		return nil, err
	}
	record.Borrowed[borrower] = new(big.Int).Add(borrowed, amount)
	if err := e.state.EscrowPut(record); err != nil {
		return nil, fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return nil, err
	}
	e.emitter.Emit(newBorrowEvent(record, borrower, amount, collateral, now))
	return collateral, nil
}

// ReverseMint repays a borrow: the borrower returns the underlying and the
// vault releases the posted collateral. Repayment collateral rounds down, so
// partial repays can never pull more out of the vault than went in.
func (e *Engine) ReverseMint(id [32]byte, borrower [20]byte, amount *big.Int) (*big.Int, error) {
	record, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !record.Option.Advanced.BorrowingAllowed {
		return nil, ErrNotReverseExercisable
	}
	if record.Phase != PhaseMinted {
		return nil, ErrInvalidTime
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.nowFn()
	if now >= record.Option.Expiry {
		return nil, ErrInvalidTime
	}
	borrowed := balanceOf(record.Borrowed, borrower)
	if amount.Cmp(borrowed) > 0 {
		return nil, ErrAmountTooLarge
	}
	collateral := settlementAmount(record.Option, amount, false)

	vault := VaultAddress(id)
	tx := newLedgerTx(e.state)
	if err := tx.transfer(borrower, vault, record.Option.Underlying, amount); err != nil {
		return nil, err
	}
	if err := tx.transfer(vault, borrower, record.Option.Settlement, collateral); err != nil {
		return nil, err
	}
	record.Borrowed[borrower] = new(big.Int).Sub(borrowed, amount)
	if err := e.state.EscrowPut(record); err != nil {
		return nil, fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return nil, err
	}
	e.emitter.Emit(newReverseMintEvent(record, borrower, amount, collateral, now))
	return collateral, nil
}

// HandleCallExercise converts option shares into the underlying at the
// strike. With payInSettlement the holder pays the settlement amount into
// the vault and receives the full underlying amount; without it the exercise
// is cashless: the payment is converted to underlying at the oracle spot,
// retained in the vault, and only the remainder is released. Settlement
// payments stay in the vault for the owner to collect after expiry. Shares
// backing an open borrow cannot be exercised until the borrow is repaid, and
// only settlement-paid exercises can later be reversed.
func (e *Engine) HandleCallExercise(id [32]byte, exerciser, underlyingReceiver [20]byte, amount *big.Int, payInSettlement bool, oracleData []byte) (*big.Int, error) {
	if underlyingReceiver == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	record, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if record.Phase != PhaseMinted {
		return nil, ErrInvalidTime
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.nowFn()
	if now < record.Option.Earliest || now >= record.Option.Expiry {
		return nil, ErrInvalidTime
	}
	shares := balanceOf(record.Shares, exerciser)
	borrowed := balanceOf(record.Borrowed, exerciser)
	available := new(big.Int).Sub(shares, borrowed)
	if amount.Cmp(available) > 0 {
		return nil, ErrAmountTooLarge
	}
	payment := settlementAmount(record.Option, amount, true)
	if payment.Sign() == 0 {
		return nil, ErrZeroSettlementAmount
	}

	vault := VaultAddress(id)
	tx := newLedgerTx(e.state)
	if payInSettlement {
		if err := tx.transfer(exerciser, vault, record.Option.Settlement, payment); err != nil {
			return nil, err
		}
		if err := tx.transfer(vault, underlyingReceiver, record.Option.Underlying, amount); err != nil {
			return nil, err
		}
		record.Exercised[exerciser] = new(big.Int).Add(balanceOf(record.Exercised, exerciser), amount)
	} else {
		spot, err := e.oracle.GetPrice(record.Option.Underlying, record.Option.Settlement, oracleData)
		if err != nil {
			return nil, err
		}
		retained := new(big.Int).Mul(payment, record.Option.UnitScale())
		rem := new(big.Int)
		retained.QuoRem(retained, spot, rem)
		if rem.Sign() != 0 {
			retained.Add(retained, big.NewInt(1))
		}
		if retained.Cmp(amount) >= 0 {
			return nil, ErrZeroSettlementAmount
		}
		released := new(big.Int).Sub(amount, retained)
		if err := tx.transfer(vault, underlyingReceiver, record.Option.Underlying, released); err != nil {
			return nil, err
		}
	}
	record.Shares[exerciser] = new(big.Int).Sub(shares, amount)
	record.TotalSupply = new(big.Int).Sub(record.TotalSupply, amount)
	if err := e.state.EscrowPut(record); err != nil {
		return nil, fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return nil, err
	}
	e.emitter.Emit(newExerciseEvent(record, exerciser, amount, payment, now))
	return payment, nil
}

// ReverseExercise unwinds a prior settlement-paid exercise inside the
// window: the holder returns the underlying and recovers the settlement
// payment, and the shares are reinstated. Only positions created with
// reversals enabled support this.
func (e *Engine) ReverseExercise(id [32]byte, holder [20]byte, amount *big.Int) (*big.Int, error) {
	record, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !record.Option.Advanced.BorrowingAllowed {
		return nil, ErrNotReverseExercisable
	}
	if record.Phase != PhaseMinted {
		return nil, ErrInvalidTime
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	now := e.nowFn()
	if now < record.Option.Earliest || now >= record.Option.Expiry {
		return nil, ErrInvalidTime
	}
	exercised := balanceOf(record.Exercised, holder)
	if amount.Cmp(exercised) > 0 {
		return nil, ErrAmountTooLarge
	}
	refund := settlementAmount(record.Option, amount, false)
	if refund.Sign() == 0 {
		return nil, ErrZeroSettlementAmount
	}

	vault := VaultAddress(id)
	tx := newLedgerTx(e.state)
	if err := tx.transfer(holder, vault, record.Option.Underlying, amount); err != nil {
		return nil, err
	}
	if err := tx.transfer(vault, holder, record.Option.Settlement, refund); err != nil {
		return nil, err
	}
	record.Exercised[holder] = new(big.Int).Sub(exercised, amount)
	record.Shares[holder] = new(big.Int).Add(balanceOf(record.Shares, holder), amount)
	record.TotalSupply = new(big.Int).Add(record.TotalSupply, amount)
	if err := e.state.EscrowPut(record); err != nil {
		return nil, fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	if err := tx.commit(); err != nil {
		return nil, err
	}
	e.emitter.Emit(newReverseExerciseEvent(record, holder, amount, refund, now))
	return refund, nil
}

// TransferShares always fails: option shares are bound to the holder that
// minted or exercised into them. Moving exposure between parties happens
// through an external share wrapper, not the escrow.
func (e *Engine) TransferShares(id [32]byte, from, to [20]byte, amount *big.Int) error {
	return ErrNonTransferrable
}

// Expire marks a minted escrow as settled once the exercise window has
// closed. Idempotent transitions are rejected so observers see the event
// exactly once.
func (e *Engine) Expire(id [32]byte) error {
	record, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if record.Phase != PhaseMinted {
		return ErrInvalidTime
	}
	now := e.nowFn()
	if now < record.Option.Expiry {
		return ErrInvalidTime
	}
	record.Phase = PhaseExpired
	if err := e.state.EscrowPut(record); err != nil {
		return fmt.Errorf("escrow: persist %x: %w", id, err)
	}
	e.emitter.Emit(newExpiredEvent(record, now))
	return nil
}

// WithdrawableBalance reports how much of the vault's holding in asset the
// owner could withdraw right now without touching funds that back
// outstanding option-holder claims.
func (e *Engine) WithdrawableBalance(id [32]byte, asset types.Asset) (*big.Int, error) {
	record, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	balance, err := e.state.Balance(VaultAddress(id), asset)
	if err != nil {
		return nil, err
	}
	return e.withdrawable(record, asset, balance, e.nowFn()), nil
}

// withdrawable subtracts reserved claims from the vault balance. During an
// auction nothing is reserved: pulling collateral out simply makes later
// bids fail the funding check. While minted and unexpired, the underlying
// backing unborrowed shares, the borrowers' posted collateral and, when
// reversals are enabled, the refunds for exercised amounts all stay locked.
// After expiry every residual balance belongs to the owner.
func (e *Engine) withdrawable(record *Escrow, asset types.Asset, balance *big.Int, now int64) *big.Int {
	if balance == nil {
		return big.NewInt(0)
	}
	free := new(big.Int).Set(balance)
	if record.Phase != PhaseMinted || now >= record.Option.Expiry {
		return free
	}
	reserved := big.NewInt(0)
	switch asset {
	case record.Option.Underlying:
		totalBorrowed := big.NewInt(0)
		for _, amt := range record.Borrowed {
			totalBorrowed.Add(totalBorrowed, amt)
		}
		reserved.Sub(record.TotalSupply, totalBorrowed)
	case record.Option.Settlement:
		for _, amt := range record.Borrowed {
			reserved.Add(reserved, settlementAmount(record.Option, amt, true))
		}
		if record.Option.Advanced.BorrowingAllowed {
			for _, amt := range record.Exercised {
				reserved.Add(reserved, settlementAmount(record.Option, amt, false))
			}
		}
	}
	free.Sub(free, reserved)
	if free.Sign() < 0 {
		return big.NewInt(0)
	}
	return free
}

// HandleWithdraw releases vault funds to the receiver. Owner-only, and
// bounded by the claim-safe withdrawable balance so an owner can never pull
// collateral that outstanding shares, borrows or reversible exercises are
// entitled to.
func (e *Engine) HandleWithdraw(id [32]byte, caller, receiver [20]byte, asset types.Asset, amount *big.Int) error {
	if receiver == ([20]byte{}) {
		return ErrInvalidAddress
	}
	record, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != record.Owner {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	now := e.nowFn()
	vault := VaultAddress(id)
	balance, err := e.state.Balance(vault, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(e.withdrawable(record, asset, balance, now)) > 0 {
		return ErrAmountTooLarge
	}

	tx := newLedgerTx(e.state)
	if err := tx.transfer(vault, receiver, asset, amount); err != nil {
		return err
	}
	if record.Phase == PhaseMinted && now >= record.Option.Expiry {
		record.Phase = PhaseExpired
		if err := e.state.EscrowPut(record); err != nil {
			return fmt.Errorf("escrow: persist %x: %w", id, err)
		}
	}
	if err := tx.commit(); err != nil {
		return err
	}
	e.emitter.Emit(newWithdrawEvent(record, receiver, asset, amount, now))
	return nil
}

// Escrow returns a defensive copy of the stored record.
func (e *Engine) Escrow(id [32]byte) (*Escrow, error) {
	return e.loadEscrow(id)
}
