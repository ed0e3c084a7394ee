package escrow

import "math"

// FeePolicy computes the platform's cut of a hold. The percent is injected
// from configuration rather than hardcoded at call sites.
type FeePolicy struct {
	Percent float64
}

// Split divides a gross amount in minor units into platform fee and
// contractor payout. The fee is rounded half-up on minor units; the payout is
// the exact remainder, so fee + payout == gross always holds with no rounding
// leakage. Half-up is fixed here because it affects money: changing it shifts
// cents between the platform and contractors on boundary amounts.
func (p FeePolicy) Split(grossCents int64) (feeCents, payoutCents int64) {
	bps := int64(math.Round(p.Percent * 10000))
	feeCents = (grossCents*bps + 5000) / 10000
	payoutCents = grossCents - feeCents
	return feeCents, payoutCents
}
