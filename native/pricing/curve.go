package pricing

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrInvalidDuration indicates a zero or negative decay duration.
	ErrInvalidDuration = errors.New("pricing: decay duration must be positive")
	// ErrPremiumBounds indicates the floor premium exceeds the starting premium.
	ErrPremiumBounds = errors.New("pricing: floor premium above starting premium")
	// ErrNegativePremium indicates a nil or negative premium bound.
	ErrNegativePremium = errors.New("pricing: premium bounds must be non-negative")
	// ErrPremiumOverflow indicates a premium outside the 256-bit range.
	ErrPremiumOverflow = errors.New("pricing: premium exceeds 256 bits")
)

// Wad is the canonical fixed-point scale: 1e18 equals 100%.
var Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Curve describes a linearly decaying ask premium. The ask holds at
// PremiumStart until DecayStart, decreases linearly to PremiumFloor over
// DecayDuration seconds, then holds at the floor. All premiums are relative
// fixed-point values on the Wad scale.
type Curve struct {
	DecayStart    int64
	DecayDuration int64
	PremiumStart  *big.Int
	PremiumFloor  *big.Int
}

// Validate checks the curve invariants. A zero decay duration is rejected
// here rather than handled by the ask computation.
func (c Curve) Validate() error {
	if c.DecayDuration <= 0 {
		return ErrInvalidDuration
	}
	if c.PremiumStart == nil || c.PremiumFloor == nil || c.PremiumStart.Sign() < 0 || c.PremiumFloor.Sign() < 0 {
		return ErrNegativePremium
	}
	if c.PremiumFloor.Cmp(c.PremiumStart) > 0 {
		return ErrPremiumBounds
	}
	if _, overflow := uint256.FromBig(c.PremiumStart); overflow {
		return ErrPremiumOverflow
	}
	return nil
}

// CurrentAsk returns the ask premium at the supplied instant. The function is
// pure: repeated queries at the same instant return the same value, and the
// result is non-increasing in now. Division truncates, matching the canonical
// fixed-point convention.
func (c Curve) CurrentAsk(now int64) *big.Int {
	if c.PremiumStart == nil || c.PremiumFloor == nil {
		return big.NewInt(0)
	}
	if now < c.DecayStart {
		return new(big.Int).Set(c.PremiumStart)
	}
	if c.DecayDuration <= 0 || now >= c.DecayStart+c.DecayDuration {
		return new(big.Int).Set(c.PremiumFloor)
	}
	start, overflow := uint256.FromBig(c.PremiumStart)
	if overflow {
		return new(big.Int).Set(c.PremiumFloor)
	}
	floor, overflow := uint256.FromBig(c.PremiumFloor)
	if overflow || floor.Gt(start) {
		return new(big.Int).Set(c.PremiumFloor)
	}
	elapsed := uint256.NewInt(uint64(now - c.DecayStart))
	duration := uint256.NewInt(uint64(c.DecayDuration))

	span := new(uint256.Int).Sub(start, floor)
	decayed := new(uint256.Int).Mul(span, elapsed)
	decayed.Div(decayed, duration)
	ask := new(uint256.Int).Sub(start, decayed)
	return ask.ToBig()
}
