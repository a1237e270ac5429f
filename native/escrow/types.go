package escrow

import (
	"errors"
	"math/big"

	"optionsettle/core/types"
	"optionsettle/native/fees"
	"optionsettle/native/pricing"
)

var (
	// ErrInvalidAddress indicates a zero asset or participant address.
	ErrInvalidAddress = errors.New("escrow: invalid address")
	// ErrInvalidAmount indicates a nil, zero or negative amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidTime indicates an operation outside its permitted time window
	// or inconsistent option timestamps.
	ErrInvalidTime = errors.New("escrow: invalid time")
	// ErrInvalidSpotBounds indicates minSpot exceeds maxSpot.
	ErrInvalidSpotBounds = errors.New("escrow: min spot above max spot")
	// ErrInvalidTenor indicates a non-positive tenor or an earliest-exercise
	// tenor beyond the option tenor.
	ErrInvalidTenor = errors.New("escrow: invalid tenor")
	// ErrAlreadyInitialized indicates a second initialization attempt.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	// ErrEscrowNotFound indicates no record exists for the supplied id.
	ErrEscrowNotFound = errors.New("escrow: escrow not found")
	// ErrUnauthorized indicates a privileged transition by a non-owner.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrAmountTooLarge indicates an amount beyond the caller's outstanding
	// balance or the escrow's remaining collateral.
	ErrAmountTooLarge = errors.New("escrow: amount too large")
	// ErrZeroSettlementAmount indicates a sub-unit amount that rounds to a
	// zero settlement transfer.
	ErrZeroSettlementAmount = errors.New("escrow: settlement amount rounds to zero")
	// ErrNotReverseExercisable indicates reverse operations are disabled for
	// the position.
	ErrNotReverseExercisable = errors.New("escrow: reverse operations not enabled")
	// ErrBorrowingNotAllowed indicates the position was created without
	// collateral borrowing.
	ErrBorrowingNotAllowed = errors.New("escrow: borrowing not allowed")
	// ErrNonTransferrable indicates option shares cannot be moved between
	// holders; share tokenization lives outside the escrow.
	ErrNonTransferrable = errors.New("escrow: option shares are not transferrable")
	// ErrInsufficientFunds indicates a ledger balance below the attempted
	// transfer.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrBidRejected wraps a non-success bid status on the handle path.
	ErrBidRejected = errors.New("escrow: bid rejected")
)

// Phase enumerates the escrow lifecycle states.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseAuction
	PhaseMinted
	PhaseExpired
)

// String renders the phase for events and gateway responses.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseAuction:
		return "auction"
	case PhaseMinted:
		return "minted"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// BidStatus is the authoritative accept/reject decision for an auction bid.
// The values are ordered by evaluation priority: preview and handle walk the
// checks in this exact order so a borderline-invalid bid always reports the
// same reason.
type BidStatus uint8

const (
	BidSuccess BidStatus = iota
	BidOptionAlreadyMinted
	BidPremiumTooLow
	BidSpotPriceTooLow
	BidOutOfRangeSpotPrice
	BidInsufficientFunding
)

// String renders the machine-checkable reason code.
func (s BidStatus) String() string {
	switch s {
	case BidSuccess:
		return "Success"
	case BidOptionAlreadyMinted:
		return "OptionAlreadyMinted"
	case BidPremiumTooLow:
		return "PremiumTooLow"
	case BidSpotPriceTooLow:
		return "SpotPriceTooLow"
	case BidOutOfRangeSpotPrice:
		return "OutOfRangeSpotPrice"
	case BidInsufficientFunding:
		return "InsufficientFunding"
	default:
		return "Unknown"
	}
}

// AdvancedSettings captures the per-position toggles fixed at creation.
type AdvancedSettings struct {
	BorrowingAllowed        bool
	VotingDelegationAllowed bool
	DelegateRegistry        [20]byte
}

// OptionInfo is the full terms of a collateralized call option. Timestamps
// are absolute and immutable once set: for the RFQ path they arrive with the
// initialization, for the auction path they are fixed at the moment the
// winning bid mints the option.
type OptionInfo struct {
	Underlying         types.Asset
	Settlement         types.Asset
	UnderlyingDecimals uint8
	Notional           *big.Int
	Strike             *big.Int
	Earliest           int64
	Expiry             int64
	Advanced           AdvancedSettings
}

// Validate checks the option invariants for a fully specified option.
func (o OptionInfo) Validate() error {
	if o.Underlying.IsZero() || o.Settlement.IsZero() {
		return ErrInvalidAddress
	}
	if o.Notional == nil || o.Notional.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if o.Strike == nil || o.Strike.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if o.Earliest > o.Expiry {
		return ErrInvalidTime
	}
	return nil
}

// UnitScale returns 10^underlyingDecimals, the divisor converting base-unit
// amounts into whole underlying units for strike math.
func (o OptionInfo) UnitScale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(o.UnderlyingDecimals)), nil)
}

// AuctionParams parameterize premium discovery. Relative values use the
// pricing.Wad scale (1e18 = 100%). Created once at auction start and
// immutable thereafter.
type AuctionParams struct {
	RelStrike             *big.Int
	Tenor                 int64
	EarliestExerciseTenor int64
	Curve                 pricing.Curve
	MinSpot               *big.Int
	MaxSpot               *big.Int
}

// Validate checks the auction invariants.
func (p AuctionParams) Validate() error {
	if err := p.Curve.Validate(); err != nil {
		return err
	}
	if p.RelStrike == nil || p.RelStrike.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.Tenor <= 0 || p.EarliestExerciseTenor < 0 || p.EarliestExerciseTenor > p.Tenor {
		return ErrInvalidTenor
	}
	if p.MinSpot == nil || p.MaxSpot == nil || p.MinSpot.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.MinSpot.Cmp(p.MaxSpot) > 0 {
		return ErrInvalidSpotBounds
	}
	return nil
}

// Clone returns a deep copy of the params.
func (p *AuctionParams) Clone() *AuctionParams {
	if p == nil {
		return nil
	}
	clone := &AuctionParams{
		Tenor:                 p.Tenor,
		EarliestExerciseTenor: p.EarliestExerciseTenor,
		Curve: pricing.Curve{
			DecayStart:    p.Curve.DecayStart,
			DecayDuration: p.Curve.DecayDuration,
		},
	}
	if p.RelStrike != nil {
		clone.RelStrike = new(big.Int).Set(p.RelStrike)
	}
	if p.Curve.PremiumStart != nil {
		clone.Curve.PremiumStart = new(big.Int).Set(p.Curve.PremiumStart)
	}
	if p.Curve.PremiumFloor != nil {
		clone.Curve.PremiumFloor = new(big.Int).Set(p.Curve.PremiumFloor)
	}
	if p.MinSpot != nil {
		clone.MinSpot = new(big.Int).Set(p.MinSpot)
	}
	if p.MaxSpot != nil {
		clone.MaxSpot = new(big.Int).Set(p.MaxSpot)
	}
	return clone
}

// AuctionInitialization is the one-shot payload creating an auction escrow.
type AuctionInitialization struct {
	Underlying         types.Asset
	Settlement         types.Asset
	UnderlyingDecimals uint8
	Notional           *big.Int
	Advanced           AdvancedSettings
	Params             AuctionParams
}

// RFQInitialization is the one-shot payload taking a signed quote. The
// signed payload itself is verified by the registry before the engine runs;
// consumption is single-use because the derived escrow id is the quote
// digest and initialization is idempotent-proof.
type RFQInitialization struct {
	Option         OptionInfo
	OptionReceiver [20]byte
	Premium        *big.Int
	ValidUntil     int64
	Signature      []byte
	SignerAddr     [20]byte
	DistPartner    [20]byte
}

// Escrow is the mutable record of one option position. Share balances,
// borrow balances and exercised amounts are tracked per holder; TotalSupply
// is the outstanding share count and shrinks with exercises.
type Escrow struct {
	ID          [32]byte
	Owner       [20]byte
	Phase       Phase
	Option      OptionInfo
	Auction     *AuctionParams
	CreatedAt   int64
	Minted      bool
	TotalSupply *big.Int
	Shares      map[[20]byte]*big.Int
	Borrowed    map[[20]byte]*big.Int
	Exercised   map[[20]byte]*big.Int
}

func cloneBalances(src map[[20]byte]*big.Int) map[[20]byte]*big.Int {
	out := make(map[[20]byte]*big.Int, len(src))
	for addr, amt := range src {
		if amt == nil {
			out[addr] = big.NewInt(0)
			continue
		}
		out[addr] = new(big.Int).Set(amt)
	}
	return out
}

// Clone returns a deep copy so callers can stage mutations without aliasing
// stored state.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Auction = e.Auction.Clone()
	if e.Option.Notional != nil {
		clone.Option.Notional = new(big.Int).Set(e.Option.Notional)
	}
	if e.Option.Strike != nil {
		clone.Option.Strike = new(big.Int).Set(e.Option.Strike)
	}
	if e.TotalSupply != nil {
		clone.TotalSupply = new(big.Int).Set(e.TotalSupply)
	} else {
		clone.TotalSupply = big.NewInt(0)
	}
	clone.Shares = cloneBalances(e.Shares)
	clone.Borrowed = cloneBalances(e.Borrowed)
	clone.Exercised = cloneBalances(e.Exercised)
	return &clone
}

func balanceOf(m map[[20]byte]*big.Int, addr [20]byte) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	if amt, ok := m[addr]; ok && amt != nil {
		return amt
	}
	return big.NewInt(0)
}

// ShareBalance reports the option shares held by addr.
func (e *Escrow) ShareBalance(addr [20]byte) *big.Int {
	return new(big.Int).Set(balanceOf(e.Shares, addr))
}

// BorrowedBalance reports the outstanding borrowed underlying for addr.
func (e *Escrow) BorrowedBalance(addr [20]byte) *big.Int {
	return new(big.Int).Set(balanceOf(e.Borrowed, addr))
}

// BidPreview is the result of evaluating a bid without mutating state. On a
// Success status the premium, strike, fee breakdown and option window carry
// exactly the values a subsequent handle call will realise.
type BidPreview struct {
	Status     BidStatus
	Premium    *big.Int
	Strike     *big.Int
	OracleSpot *big.Int
	Fees       fees.Breakdown
	Earliest   int64
	Expiry     int64
}
