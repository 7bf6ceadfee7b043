package transport

import (
	"math"
	"testing"
)

func TestFeesResult_FeeMsat(t *testing.T) {
	tests := []struct {
		name   string
		fees   FeesResult
		amount uint64
		want   uint64
	}{
		{"zero amount", FeesResult{FeePPM: 5000, BaseFeeMsat: 1000}, 0, 1000},
		{"proportional", FeesResult{FeePPM: 1000, BaseFeeMsat: 0}, 1_000_000, 1000},
		{"floors", FeesResult{FeePPM: 1, BaseFeeMsat: 0}, 999_999, 0},
		{"both parts", FeesResult{FeePPM: 2500, BaseFeeMsat: 1000}, 123_456_789, 308_641 + 1000},
		{"wide product", FeesResult{FeePPM: 1_000_000, BaseFeeMsat: 0}, math.MaxUint64, math.MaxUint64},
		{"quotient overflow", FeesResult{FeePPM: 2_000_000, BaseFeeMsat: 0}, math.MaxUint64, math.MaxUint64},
		{"base overflow", FeesResult{FeePPM: 1_000_000, BaseFeeMsat: 1}, math.MaxUint64, math.MaxUint64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fees.FeeMsat(tt.amount); got != tt.want {
				t.Errorf("FeeMsat(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}
