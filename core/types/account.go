package types

import (
	"encoding/hex"
	"math/big"
	"strings"
)

// Asset identifies a fungible settlement or underlying asset by its 20-byte
// ledger address.
type Asset [20]byte

// ZeroAsset is the unset asset identifier. Operations receiving it must fail
// with an invalid-address error rather than defaulting silently.
var ZeroAsset = Asset{}

// IsZero reports whether the asset identifier is unset.
func (a Asset) IsZero() bool { return a == ZeroAsset }

// Hex renders the asset identifier as a lowercase hex string without prefix.
func (a Asset) Hex() string { return hex.EncodeToString(a[:]) }

// ParseAsset decodes a hex-encoded asset identifier, accepting an optional
// 0x prefix.
func ParseAsset(s string) (Asset, bool) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != 20 {
		return Asset{}, false
	}
	var a Asset
	copy(a[:], raw)
	return a, true
}

// Account tracks the per-address asset balances held by the settlement
// ledger. Balances are keyed by asset identifier and never nil once the
// account passes through EnsureAccount.
type Account struct {
	Nonce    uint64
	Balances map[Asset]*big.Int
}

// EnsureAccount normalises a possibly-nil account into a usable instance with
// an allocated balance map.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balances: make(map[Asset]*big.Int)}
	}
	if acc.Balances == nil {
		acc.Balances = make(map[Asset]*big.Int)
	}
	return acc
}

// Balance returns the account balance for the supplied asset, treating
// missing entries as zero. The returned value is the stored instance; callers
// that mutate it must go through SetBalance instead.
func (a *Account) Balance(asset Asset) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.Balances[asset]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// SetBalance stores a defensive copy of the supplied balance.
func (a *Account) SetBalance(asset Asset, amount *big.Int) {
	if a == nil {
		return
	}
	if a.Balances == nil {
		a.Balances = make(map[Asset]*big.Int)
	}
	if amount == nil {
		a.Balances[asset] = big.NewInt(0)
		return
	}
	a.Balances[asset] = new(big.Int).Set(amount)
}

// Clone returns a deep copy of the account so callers can stage mutations
// without aliasing stored state.
func (a *Account) Clone() *Account {
	if a == nil {
		return EnsureAccount(nil)
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[Asset]*big.Int, len(a.Balances))}
	for asset, bal := range a.Balances {
		if bal == nil {
			clone.Balances[asset] = big.NewInt(0)
			continue
		}
		clone.Balances[asset] = new(big.Int).Set(bal)
	}
	return clone
}
