package escrow

import (
	"math/big"

	"optionsettle/core/types"
	"optionsettle/native/fees"
)

const (
	EventTypeAuctionCreated  = "options.auction.created"
	EventTypeBidAccepted     = "options.bid.accepted"
	EventTypeQuoteTaken      = "options.quote.taken"
	EventTypeBorrow          = "options.borrow"
	EventTypeReverseMint     = "options.borrow.repaid"
	EventTypeExercise        = "options.exercise"
	EventTypeReverseExercise = "options.exercise.reversed"
	EventTypeWithdraw        = "options.withdraw"
	EventTypeExpired         = "options.expired"
)

// AuctionCreatedEvent records a new premium auction with its full pricing
// parameters.
type AuctionCreatedEvent struct {
	ID           [32]byte
	Owner        [20]byte
	Underlying   string
	Settlement   string
	Notional     *big.Int
	RelStrike    *big.Int
	PremiumStart *big.Int
	PremiumFloor *big.Int
	Timestamp    int64
}

func (AuctionCreatedEvent) EventType() string { return EventTypeAuctionCreated }

func newAuctionCreatedEvent(record *Escrow, now int64) AuctionCreatedEvent {
	return AuctionCreatedEvent{
		ID:           record.ID,
		Owner:        record.Owner,
		Underlying:   record.Option.Underlying.Hex(),
		Settlement:   record.Option.Settlement.Hex(),
		Notional:     new(big.Int).Set(record.Option.Notional),
		RelStrike:    new(big.Int).Set(record.Auction.RelStrike),
		PremiumStart: new(big.Int).Set(record.Auction.Curve.PremiumStart),
		PremiumFloor: new(big.Int).Set(record.Auction.Curve.PremiumFloor),
		Timestamp:    now,
	}
}

// BidAcceptedEvent records the winning bid that minted the option: bidder,
// receiver, the relative bid, the reference and oracle spots and the full
// fee split.
type BidAcceptedEvent struct {
	ID             [32]byte
	Bidder         [20]byte
	Receiver       [20]byte
	RelBid         *big.Int
	RefSpot        *big.Int
	OracleSpot     *big.Int
	Premium        *big.Int
	Strike         *big.Int
	ProtocolFee    *big.Int
	PartnerFee     *big.Int
	SellerProceeds *big.Int
	Earliest       int64
	Expiry         int64
	Timestamp      int64
}

func (BidAcceptedEvent) EventType() string { return EventTypeBidAccepted }

func newBidAcceptedEvent(record *Escrow, bidder, receiver [20]byte, relBid, refSpot *big.Int, preview BidPreview, now int64) BidAcceptedEvent {
	return BidAcceptedEvent{
		ID:             record.ID,
		Bidder:         bidder,
		Receiver:       receiver,
		RelBid:         new(big.Int).Set(relBid),
		RefSpot:        new(big.Int).Set(refSpot),
		OracleSpot:     new(big.Int).Set(preview.OracleSpot),
		Premium:        new(big.Int).Set(preview.Premium),
		Strike:         new(big.Int).Set(preview.Strike),
		ProtocolFee:    new(big.Int).Set(preview.Fees.ProtocolFee),
		PartnerFee:     new(big.Int).Set(preview.Fees.DistPartnerFee),
		SellerProceeds: new(big.Int).Set(preview.Fees.SellerProceeds),
		Earliest:       preview.Earliest,
		Expiry:         preview.Expiry,
		Timestamp:      now,
	}
}

// QuoteTakenEvent records an RFQ match minted from a signed quote.
type QuoteTakenEvent struct {
	ID             [32]byte
	Owner          [20]byte
	Receiver       [20]byte
	Premium        *big.Int
	Strike         *big.Int
	ProtocolFee    *big.Int
	PartnerFee     *big.Int
	SellerProceeds *big.Int
	Expiry         int64
	Timestamp      int64
}

func (QuoteTakenEvent) EventType() string { return EventTypeQuoteTaken }

func newQuoteTakenEvent(record *Escrow, receiver [20]byte, premium *big.Int, breakdown fees.Breakdown, now int64) QuoteTakenEvent {
	return QuoteTakenEvent{
		ID:             record.ID,
		Owner:          record.Owner,
		Receiver:       receiver,
		Premium:        new(big.Int).Set(premium),
		Strike:         new(big.Int).Set(record.Option.Strike),
		ProtocolFee:    new(big.Int).Set(breakdown.ProtocolFee),
		PartnerFee:     new(big.Int).Set(breakdown.DistPartnerFee),
		SellerProceeds: new(big.Int).Set(breakdown.SellerProceeds),
		Expiry:         record.Option.Expiry,
		Timestamp:      now,
	}
}

// BorrowEvent records underlying lent out against posted collateral.
type BorrowEvent struct {
	ID         [32]byte
	Borrower   [20]byte
	Amount     *big.Int
	Collateral *big.Int
	Timestamp  int64
}

func (BorrowEvent) EventType() string { return EventTypeBorrow }

func newBorrowEvent(record *Escrow, borrower [20]byte, amount, collateral *big.Int, now int64) BorrowEvent {
	return BorrowEvent{
		ID:         record.ID,
		Borrower:   borrower,
		Amount:     new(big.Int).Set(amount),
		Collateral: new(big.Int).Set(collateral),
		Timestamp:  now,
	}
}

// ReverseMintEvent records a borrow repayment and collateral release.
type ReverseMintEvent struct {
	ID         [32]byte
	Borrower   [20]byte
	Amount     *big.Int
	Collateral *big.Int
	Timestamp  int64
}

func (ReverseMintEvent) EventType() string { return EventTypeReverseMint }

func newReverseMintEvent(record *Escrow, borrower [20]byte, amount, collateral *big.Int, now int64) ReverseMintEvent {
	return ReverseMintEvent{
		ID:         record.ID,
		Borrower:   borrower,
		Amount:     new(big.Int).Set(amount),
		Collateral: new(big.Int).Set(collateral),
		Timestamp:  now,
	}
}

// ExerciseEvent records shares converted into underlying at the strike.
type ExerciseEvent struct {
	ID        [32]byte
	Holder    [20]byte
	Amount    *big.Int
	Payment   *big.Int
	Timestamp int64
}

func (ExerciseEvent) EventType() string { return EventTypeExercise }

func newExerciseEvent(record *Escrow, holder [20]byte, amount, payment *big.Int, now int64) ExerciseEvent {
	return ExerciseEvent{
		ID:        record.ID,
		Holder:    holder,
		Amount:    new(big.Int).Set(amount),
		Payment:   new(big.Int).Set(payment),
		Timestamp: now,
	}
}

// ReverseExerciseEvent records an exercise unwound inside the window.
type ReverseExerciseEvent struct {
	ID        [32]byte
	Holder    [20]byte
	Amount    *big.Int
	Refund    *big.Int
	Timestamp int64
}

func (ReverseExerciseEvent) EventType() string { return EventTypeReverseExercise }

func newReverseExerciseEvent(record *Escrow, holder [20]byte, amount, refund *big.Int, now int64) ReverseExerciseEvent {
	return ReverseExerciseEvent{
		ID:        record.ID,
		Holder:    holder,
		Amount:    new(big.Int).Set(amount),
		Refund:    new(big.Int).Set(refund),
		Timestamp: now,
	}
}

// WithdrawEvent records the owner pulling free collateral from the vault.
type WithdrawEvent struct {
	ID        [32]byte
	Owner     [20]byte
	Receiver  [20]byte
	Asset     string
	Amount    *big.Int
	Timestamp int64
}

func (WithdrawEvent) EventType() string { return EventTypeWithdraw }

func newWithdrawEvent(record *Escrow, receiver [20]byte, asset types.Asset, amount *big.Int, now int64) WithdrawEvent {
	return WithdrawEvent{
		ID:        record.ID,
		Owner:     record.Owner,
		Receiver:  receiver,
		Asset:     asset.Hex(),
		Amount:    new(big.Int).Set(amount),
		Timestamp: now,
	}
}

// ExpiredEvent records the end of the exercise window.
type ExpiredEvent struct {
	ID        [32]byte
	Timestamp int64
}

func (ExpiredEvent) EventType() string { return EventTypeExpired }

func newExpiredEvent(record *Escrow, now int64) ExpiredEvent {
	return ExpiredEvent{ID: record.ID, Timestamp: now}
}
