package oracle

import (
	"errors"
	"math/big"

	"optionsettle/core/types"
)

var (
	// ErrNoOracle indicates no feed mapping exists for a requested asset.
	ErrNoOracle = errors.New("oracle: no feed registered for asset")
	// ErrInvalidOracleAnswer indicates a stale, unanswered or non-positive feed round.
	ErrInvalidOracleAnswer = errors.New("oracle: invalid feed answer")
	// ErrOracleAlreadySet indicates a mapping collision on an append-only registry.
	ErrOracleAlreadySet = errors.New("oracle: feed mapping already set")
	// ErrInvalidArrayLength indicates mismatched registration arrays.
	ErrInvalidArrayLength = errors.New("oracle: mismatched mapping array lengths")
	// ErrInvalidAddress indicates a zero asset identifier or nil feed in a registration.
	ErrInvalidAddress = errors.New("oracle: invalid asset or feed address")
	// ErrInvalidOracleDecimals indicates a feed outside the supported 8/18 decimal set.
	ErrInvalidOracleDecimals = errors.New("oracle: unsupported feed decimals")
	// ErrUnauthorized indicates a registration attempt by a non-owner.
	ErrUnauthorized = errors.New("oracle: unauthorized")
)

// Oracle resolves a price for an arbitrary asset pair. The price is quoted as
// units of quote per one whole unit of base, scaled to the quote asset's
// decimal convention. Implementations must abort with an oracle-integrity
// error rather than fall back to a stale or default price.
type Oracle interface {
	GetPrice(base, quote types.Asset, auxData []byte) (*big.Int, error)
}

// RoundData mirrors a single feed observation. AnsweredInRound must be at
// least RoundID for the observation to count as answered.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       int64
	UpdatedAt       int64
	AnsweredInRound *big.Int
}

// Feed exposes the latest observation of a single asset priced in the
// reference currency.
type Feed interface {
	LatestRoundData() (RoundData, error)
	Decimals() uint8
}

func supportedFeedDecimals(d uint8) bool {
	return d == 8 || d == 18
}

// validateRound applies the round-integrity and staleness rules shared by
// every feed lookup.
func validateRound(rd RoundData, now, maxStaleness int64) error {
	if rd.RoundID == nil || rd.RoundID.Sign() == 0 {
		return ErrInvalidOracleAnswer
	}
	if rd.AnsweredInRound == nil || rd.AnsweredInRound.Cmp(rd.RoundID) < 0 {
		return ErrInvalidOracleAnswer
	}
	if rd.Answer == nil || rd.Answer.Sign() <= 0 {
		return ErrInvalidOracleAnswer
	}
	if rd.UpdatedAt <= 0 || rd.UpdatedAt > now {
		return ErrInvalidOracleAnswer
	}
	if maxStaleness > 0 && now-rd.UpdatedAt > maxStaleness {
		return ErrInvalidOracleAnswer
	}
	return nil
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}
