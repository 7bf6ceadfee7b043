package transport

import (
	"math"
	"math/bits"
)

// FeeMsat applies the schedule to amountMsat:
// amount*fee_ppm/1_000_000 + base_fee_msat, floored. The product is computed
// in 128 bits; a result beyond uint64 saturates.
func (f FeesResult) FeeMsat(amountMsat uint64) uint64 {
	hi, lo := bits.Mul64(amountMsat, f.FeePPM)
	if hi >= 1_000_000 {
		return math.MaxUint64
	}
	proportional, _ := bits.Div64(hi, lo, 1_000_000)
	sum, carry := bits.Add64(proportional, f.BaseFeeMsat, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
