package escrow

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"optionsettle/core/types"
	"optionsettle/storage"
)

var (
	escrowKeyPrefix  = []byte("escrow/record/")
	accountKeyPrefix = []byte("escrow/account/")
)

// State persists escrow records and ledger balances in a key/value database.
// It satisfies the engine's state surface; the encoding is JSON with hex-keyed
// maps so records survive round trips through any backend.
type State struct {
	db storage.Database
}

// NewState wraps the supplied database.
func NewState(db storage.Database) *State {
	return &State{db: db}
}

type storedBalances map[string]string

type storedEscrow struct {
	ID                 string         `json:"id"`
	Owner              string         `json:"owner"`
	Phase              uint8          `json:"phase"`
	Underlying         string         `json:"underlying"`
	Settlement         string         `json:"settlement"`
	UnderlyingDecimals uint8          `json:"underlyingDecimals"`
	Notional           string         `json:"notional"`
	Strike             string         `json:"strike,omitempty"`
	Earliest           int64          `json:"earliest"`
	Expiry             int64          `json:"expiry"`
	BorrowingAllowed   bool           `json:"borrowingAllowed"`
	VotingAllowed      bool           `json:"votingAllowed"`
	DelegateRegistry   string         `json:"delegateRegistry,omitempty"`
	Auction            *storedAuction `json:"auction,omitempty"`
	CreatedAt          int64          `json:"createdAt"`
	Minted             bool           `json:"minted"`
	TotalSupply        string         `json:"totalSupply"`
	Shares             storedBalances `json:"shares,omitempty"`
	Borrowed           storedBalances `json:"borrowed,omitempty"`
	Exercised          storedBalances `json:"exercised,omitempty"`
}

type storedAuction struct {
	RelStrike             string `json:"relStrike"`
	Tenor                 int64  `json:"tenor"`
	EarliestExerciseTenor int64  `json:"earliestExerciseTenor"`
	DecayStart            int64  `json:"decayStart"`
	DecayDuration         int64  `json:"decayDuration"`
	PremiumStart          string `json:"premiumStart"`
	PremiumFloor          string `json:"premiumFloor"`
	MinSpot               string `json:"minSpot"`
	MaxSpot               string `json:"maxSpot"`
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: malformed integer %q", s)
	}
	return v, nil
}

func encodeAddr(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func decodeAddr(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("escrow: malformed address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeBalances(m map[[20]byte]*big.Int) storedBalances {
	if len(m) == 0 {
		return nil
	}
	out := make(storedBalances, len(m))
	for addr, amt := range m {
		out[encodeAddr(addr)] = encodeBig(amt)
	}
	return out
}

func decodeBalances(m storedBalances) (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(m))
	for key, val := range m {
		addr, err := decodeAddr(key)
		if err != nil {
			return nil, err
		}
		amt, err := decodeBig(val)
		if err != nil {
			return nil, err
		}
		out[addr] = amt
	}
	return out, nil
}

func encodeEscrow(e *Escrow) storedEscrow {
	stored := storedEscrow{
		ID:                 hex.EncodeToString(e.ID[:]),
		Owner:              encodeAddr(e.Owner),
		Phase:              uint8(e.Phase),
		Underlying:         e.Option.Underlying.Hex(),
		Settlement:         e.Option.Settlement.Hex(),
		UnderlyingDecimals: e.Option.UnderlyingDecimals,
		Notional:           encodeBig(e.Option.Notional),
		Earliest:           e.Option.Earliest,
		Expiry:             e.Option.Expiry,
		BorrowingAllowed:   e.Option.Advanced.BorrowingAllowed,
		VotingAllowed:      e.Option.Advanced.VotingDelegationAllowed,
		CreatedAt:          e.CreatedAt,
		Minted:             e.Minted,
		TotalSupply:        encodeBig(e.TotalSupply),
		Shares:             encodeBalances(e.Shares),
		Borrowed:           encodeBalances(e.Borrowed),
		Exercised:          encodeBalances(e.Exercised),
	}
	if e.Option.Strike != nil {
		stored.Strike = encodeBig(e.Option.Strike)
	}
	if e.Option.Advanced.DelegateRegistry != ([20]byte{}) {
		stored.DelegateRegistry = encodeAddr(e.Option.Advanced.DelegateRegistry)
	}
	if e.Auction != nil {
		stored.Auction = &storedAuction{
			RelStrike:             encodeBig(e.Auction.RelStrike),
			Tenor:                 e.Auction.Tenor,
			EarliestExerciseTenor: e.Auction.EarliestExerciseTenor,
			DecayStart:            e.Auction.Curve.DecayStart,
			DecayDuration:         e.Auction.Curve.DecayDuration,
			PremiumStart:          encodeBig(e.Auction.Curve.PremiumStart),
			PremiumFloor:          encodeBig(e.Auction.Curve.PremiumFloor),
			MinSpot:               encodeBig(e.Auction.MinSpot),
			MaxSpot:               encodeBig(e.Auction.MaxSpot),
		}
	}
	return stored
}

func decodeEscrow(stored storedEscrow) (*Escrow, error) {
	record := &Escrow{Phase: Phase(stored.Phase), CreatedAt: stored.CreatedAt, Minted: stored.Minted}
	rawID, err := hex.DecodeString(stored.ID)
	if err != nil || len(rawID) != len(record.ID) {
		return nil, fmt.Errorf("escrow: malformed id %q", stored.ID)
	}
	copy(record.ID[:], rawID)
	if record.Owner, err = decodeAddr(stored.Owner); err != nil {
		return nil, err
	}
	underlying, ok := types.ParseAsset(stored.Underlying)
	if !ok {
		return nil, fmt.Errorf("escrow: malformed asset %q", stored.Underlying)
	}
	settlement, ok := types.ParseAsset(stored.Settlement)
	if !ok {
		return nil, fmt.Errorf("escrow: malformed asset %q", stored.Settlement)
	}
	record.Option = OptionInfo{
		Underlying:         underlying,
		Settlement:         settlement,
		UnderlyingDecimals: stored.UnderlyingDecimals,
		Earliest:           stored.Earliest,
		Expiry:             stored.Expiry,
		Advanced: AdvancedSettings{
			BorrowingAllowed:        stored.BorrowingAllowed,
			VotingDelegationAllowed: stored.VotingAllowed,
		},
	}
	if record.Option.Notional, err = decodeBig(stored.Notional); err != nil {
		return nil, err
	}
	if stored.Strike != "" {
		if record.Option.Strike, err = decodeBig(stored.Strike); err != nil {
			return nil, err
		}
	}
	if stored.DelegateRegistry != "" {
		if record.Option.Advanced.DelegateRegistry, err = decodeAddr(stored.DelegateRegistry); err != nil {
			return nil, err
		}
	}
	if stored.Auction != nil {
		params := &AuctionParams{
			Tenor:                 stored.Auction.Tenor,
			EarliestExerciseTenor: stored.Auction.EarliestExerciseTenor,
		}
		params.Curve.DecayStart = stored.Auction.DecayStart
		params.Curve.DecayDuration = stored.Auction.DecayDuration
		if params.RelStrike, err = decodeBig(stored.Auction.RelStrike); err != nil {
			return nil, err
		}
		if params.Curve.PremiumStart, err = decodeBig(stored.Auction.PremiumStart); err != nil {
			return nil, err
		}
		if params.Curve.PremiumFloor, err = decodeBig(stored.Auction.PremiumFloor); err != nil {
			return nil, err
		}
		if params.MinSpot, err = decodeBig(stored.Auction.MinSpot); err != nil {
			return nil, err
		}
		if params.MaxSpot, err = decodeBig(stored.Auction.MaxSpot); err != nil {
			return nil, err
		}
		record.Auction = params
	}
	if record.TotalSupply, err = decodeBig(stored.TotalSupply); err != nil {
		return nil, err
	}
	if record.Shares, err = decodeBalances(stored.Shares); err != nil {
		return nil, err
	}
	if record.Borrowed, err = decodeBalances(stored.Borrowed); err != nil {
		return nil, err
	}
	if record.Exercised, err = decodeBalances(stored.Exercised); err != nil {
		return nil, err
	}
	return record, nil
}

func escrowKey(id [32]byte) []byte {
	return append(append([]byte(nil), escrowKeyPrefix...), id[:]...)
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte(nil), accountKeyPrefix...), addr[:]...)
}

type storedAccount struct {
	Nonce    uint64         `json:"nonce,omitempty"`
	Balances storedBalances `json:"balances,omitempty"`
}

func (s *State) loadAccount(addr [20]byte) (*types.Account, error) {
	raw, err := s.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return types.EnsureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedAccount
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("escrow: decode account: %w", err)
	}
	acc := types.EnsureAccount(&types.Account{Nonce: stored.Nonce})
	for key, val := range stored.Balances {
		asset, ok := types.ParseAsset(key)
		if !ok {
			return nil, fmt.Errorf("escrow: malformed asset %q", key)
		}
		amt, err := decodeBig(val)
		if err != nil {
			return nil, err
		}
		acc.SetBalance(asset, amt)
	}
	return acc, nil
}

func (s *State) putAccount(addr [20]byte, acc *types.Account) error {
	stored := storedAccount{Nonce: acc.Nonce}
	if len(acc.Balances) > 0 {
		stored.Balances = make(storedBalances, len(acc.Balances))
		for asset, amt := range acc.Balances {
			stored.Balances[asset.Hex()] = encodeBig(amt)
		}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("escrow: encode account: %w", err)
	}
	return s.db.Put(accountKey(addr), raw)
}

// EscrowGet loads a record by id. The boolean reports existence so callers
// can distinguish absence from backend failure.
func (s *State) EscrowGet(id [32]byte) (*Escrow, bool, error) {
	raw, err := s.db.Get(escrowKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedEscrow
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("escrow: decode record: %w", err)
	}
	record, err := decodeEscrow(stored)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// EscrowPut persists a record.
func (s *State) EscrowPut(e *Escrow) error {
	raw, err := json.Marshal(encodeEscrow(e))
	if err != nil {
		return fmt.Errorf("escrow: encode record: %w", err)
	}
	return s.db.Put(escrowKey(e.ID), raw)
}

// Balance loads the ledger balance of addr in asset. Missing accounts and
// entries read as zero.
func (s *State) Balance(addr [20]byte, asset types.Asset) (*big.Int, error) {
	acc, err := s.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance(asset)), nil
}

// SetBalance stores the ledger balance of addr in asset inside the address's
// account document.
func (s *State) SetBalance(addr [20]byte, asset types.Asset, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	acc, err := s.loadAccount(addr)
	if err != nil {
		return err
	}
	acc.SetBalance(asset, amount)
	return s.putAccount(addr, acc)
}
