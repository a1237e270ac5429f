package fees

import "math/big"

// Basis-point denominator shared by every fee computation.
var basisPoints = big.NewInt(10_000)

const (
	// MaxTotalFeeBps caps the combined protocol plus distribution-partner
	// fee at 20% of the premium.
	MaxTotalFeeBps = 2_000
	// MaxDistPartnerFeeBps independently caps the distribution-partner
	// portion at 20% of the premium.
	MaxDistPartnerFeeBps = 2_000
)

// Policy captures the configured match fee and the distribution-partner
// share. Rates above the hard caps are legal configuration: Compute clamps
// the realised fees instead of rejecting the match.
type Policy struct {
	MatchFeeBps         uint64
	DistPartnerShareBps uint64
}

// Clone returns a copy of the policy.
func (p Policy) Clone() Policy {
	return Policy{MatchFeeBps: p.MatchFeeBps, DistPartnerShareBps: p.DistPartnerShareBps}
}

// Breakdown summarises the fee split applied to a premium. SellerProceeds is
// always premium minus the two fees, so the taker's net outcome is bounded
// below regardless of the configured rates.
type Breakdown struct {
	ProtocolFee    *big.Int
	DistPartnerFee *big.Int
	SellerProceeds *big.Int
}

// Clone returns a deep copy of the breakdown.
func (b Breakdown) Clone() Breakdown {
	clone := Breakdown{}
	if b.ProtocolFee != nil {
		clone.ProtocolFee = new(big.Int).Set(b.ProtocolFee)
	}
	if b.DistPartnerFee != nil {
		clone.DistPartnerFee = new(big.Int).Set(b.DistPartnerFee)
	}
	if b.SellerProceeds != nil {
		clone.SellerProceeds = new(big.Int).Set(b.SellerProceeds)
	}
	return clone
}

func bpsOf(amount *big.Int, bps uint64) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return fee.Div(fee, basisPoints)
}

// Compute evaluates the fee split for the supplied premium. The raw fee is
// premium times the match fee rate with floor division; the total is clamped
// to MaxTotalFeeBps of the premium and the partner portion to
// MaxDistPartnerFeeBps. A nil or non-positive premium yields a zero split.
func Compute(premium *big.Int, policy Policy) Breakdown {
	result := Breakdown{
		ProtocolFee:    big.NewInt(0),
		DistPartnerFee: big.NewInt(0),
		SellerProceeds: big.NewInt(0),
	}
	if premium == nil || premium.Sign() <= 0 {
		return result
	}
	result.SellerProceeds = new(big.Int).Set(premium)

	total := bpsOf(premium, policy.MatchFeeBps)
	if cap := bpsOf(premium, MaxTotalFeeBps); total.Cmp(cap) > 0 {
		total = cap
	}
	if total.Sign() <= 0 {
		return result
	}

	partner := bpsOf(total, policy.DistPartnerShareBps)
	if cap := bpsOf(premium, MaxDistPartnerFeeBps); partner.Cmp(cap) > 0 {
		partner = cap
	}
	if partner.Cmp(total) > 0 {
		partner = new(big.Int).Set(total)
	}

	result.DistPartnerFee = partner
	result.ProtocolFee = new(big.Int).Sub(total, partner)
	result.SellerProceeds = new(big.Int).Sub(premium, total)
	return result
}
