package executor

import (
	"github.com/shopspring/decimal"
)

// cspMarginFactor approximates broker initial margin on a cash-secured
// put as a fraction of notional. The what-if check later replaces this
// estimate with the broker's own number.
const cspMarginFactor = 0.20

// Sizer converts account equity into a contract count for one entry.
type Sizer struct {
	// RiskPct is the fraction of net liquidation one position may consume.
	RiskPct float64
	// MarginFactor overrides cspMarginFactor when positive.
	MarginFactor float64
}

// Contracts returns the sized contract count, never below one when the
// account can carry any position at all, zero when it cannot.
func (s Sizer) Contracts(netLiquidation, strike decimal.Decimal) int {
	if strike.IsZero() || netLiquidation.IsZero() || s.RiskPct <= 0 {
		return 0
	}
	factor := s.MarginFactor
	if factor <= 0 {
		factor = cspMarginFactor
	}

	budget := netLiquidation.Mul(decimal.NewFromFloat(s.RiskPct))
	perContract := strike.Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromFloat(factor))
	if perContract.IsZero() {
		return 0
	}

	n := budget.Div(perContract).IntPart()
	if n < 1 {
		// The budget covers less than one contract; allow the minimum
		// position only if a single contract fits inside net liquidation.
		if perContract.LessThanOrEqual(netLiquidation) {
			return 1
		}
		return 0
	}
	return int(n)
}
