package escrow

import (
	"encoding/binary"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"optionsettle/core/types"
	"optionsettle/native/quote"
)

// Registry fronts the engine with id derivation, signed quote verification
// and per-escrow serialization. Operations on different escrows proceed
// concurrently; operations on the same escrow are strictly ordered.
type Registry struct {
	engine  *Engine
	chainID uint64

	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

// NewRegistry constructs a registry. The chain id namespaces auction ids and
// binds signed quotes to this deployment.
func NewRegistry(engine *Engine, chainID uint64) *Registry {
	return &Registry{
		engine:  engine,
		chainID: chainID,
		locks:   make(map[[32]byte]*sync.Mutex),
	}
}

// Engine exposes the underlying engine for read paths.
func (r *Registry) Engine() *Engine { return r.engine }

// ChainID reports the deployment namespace.
func (r *Registry) ChainID() uint64 { return r.chainID }

func (r *Registry) lockFor(id [32]byte) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

// AuctionID derives the deterministic escrow id for a new auction. The salt
// lets one owner run multiple auctions over identical parameters.
func (r *Registry) AuctionID(owner [20]byte, salt uint64) [32]byte {
	var chainBuf, saltBuf [8]byte
	binary.BigEndian.PutUint64(chainBuf[:], r.chainID)
	binary.BigEndian.PutUint64(saltBuf[:], salt)
	digest := ethcrypto.Keccak256([]byte("optionsettle/auction/v1"), chainBuf[:], owner[:], saltBuf[:])
	var id [32]byte
	copy(id[:], digest)
	return id
}

// CreateAuction derives a fresh id and initializes an auction escrow.
func (r *Registry) CreateAuction(owner [20]byte, salt uint64, init AuctionInitialization) ([32]byte, error) {
	id := r.AuctionID(owner, salt)
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if err := r.engine.InitializeAuction(id, owner, init); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// TakeQuote verifies a signed quote and mints the option it describes. The
// escrow id is the quote digest, so a quote that already minted fails the
// fresh-id check and can never be consumed twice.
func (r *Registry) TakeQuote(owner [20]byte, init RFQInitialization, signer quote.ContractSigner) ([32]byte, error) {
	terms := quote.Terms{
		ChainID:    r.chainID,
		Underlying: init.Option.Underlying,
		Settlement: init.Option.Settlement,
		Notional:   init.Option.Notional,
		Strike:     init.Option.Strike,
		Earliest:   init.Option.Earliest,
		Expiry:     init.Option.Expiry,
	}
	q := &quote.Quote{
		Premium:    init.Premium,
		ValidUntil: init.ValidUntil,
		Signature:  init.Signature,
		Signer:     signer,
	}
	now := r.engine.nowFn()
	if err := quote.Verify(q, terms, init.SignerAddr, now); err != nil {
		return [32]byte{}, err
	}
	id, err := quote.Hash(terms, init.Premium, init.ValidUntil)
	if err != nil {
		return [32]byte{}, err
	}
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	if err := r.engine.InitializeRFQMatch(id, owner, init); err != nil {
		return [32]byte{}, err
	}
	return id, nil
}

// PreviewBid evaluates a bid without mutating state.
func (r *Registry) PreviewBid(id [32]byte, relBid, refSpot *big.Int, oracleData []byte, distPartner [20]byte) (BidPreview, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.PreviewBid(id, relBid, refSpot, oracleData, distPartner)
}

// BidOnAuction submits a bid. On success the option mints to the receiver.
func (r *Registry) BidOnAuction(id [32]byte, bidder, optionReceiver [20]byte, relBid, refSpot, maxPremium *big.Int, oracleData []byte, distPartner [20]byte) (BidPreview, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.HandleAuctionBid(id, bidder, optionReceiver, relBid, refSpot, maxPremium, oracleData, distPartner)
}

// Borrow lends underlying against settlement collateral and reports the
// collateral posted.
func (r *Registry) Borrow(id [32]byte, borrower, underlyingReceiver [20]byte, amount *big.Int) (*big.Int, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.HandleBorrow(id, borrower, underlyingReceiver, amount)
}

// RepayBorrow returns borrowed underlying and releases the posted
// collateral.
func (r *Registry) RepayBorrow(id [32]byte, borrower [20]byte, amount *big.Int) (*big.Int, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.ReverseMint(id, borrower, amount)
}

// Exercise converts shares into underlying at the strike and reports the
// settlement payment.
func (r *Registry) Exercise(id [32]byte, exerciser, underlyingReceiver [20]byte, amount *big.Int, payInSettlement bool, oracleData []byte) (*big.Int, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.HandleCallExercise(id, exerciser, underlyingReceiver, amount, payInSettlement, oracleData)
}

// ReverseExercise unwinds a prior exercise inside the window and reports the
// refunded settlement amount.
func (r *Registry) ReverseExercise(id [32]byte, holder [20]byte, amount *big.Int) (*big.Int, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.ReverseExercise(id, holder, amount)
}

// Expire closes the exercise window on a minted escrow.
func (r *Registry) Expire(id [32]byte) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.Expire(id)
}

// Withdraw releases free vault collateral to the receiver. Owner-only.
func (r *Registry) Withdraw(id [32]byte, caller, receiver [20]byte, asset types.Asset, amount *big.Int) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.HandleWithdraw(id, caller, receiver, asset, amount)
}

// Escrow returns a defensive copy of the stored record.
func (r *Registry) Escrow(id [32]byte) (*Escrow, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.engine.Escrow(id)
}
