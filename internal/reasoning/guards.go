package reasoning

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/axels2025/TAAD-sub002/internal/core"
	"github.com/axels2025/TAAD-sub002/internal/domain"
)

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// checkGrounding verifies every figure cited in the reasoning text against
// the context snapshot. A number grounds if it is within tolerance of some
// context value, or of that value scaled by 100 (deltas and percentages are
// routinely quoted both ways). Small integer counts and calendar years are
// exempt.
func checkGrounding(out *domain.DecisionOutput, rc *core.ReasoningContext, tolerance float64) error {
	if tolerance <= 0 {
		return nil
	}
	refs := referenceValues(rc)

	for _, raw := range numberPattern.FindAllString(out.Reasoning, -1) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if exempt(v) {
			continue
		}
		if !grounded(v, refs, tolerance) {
			return fmt.Errorf("ungrounded figure %s in reasoning", raw)
		}
	}
	return nil
}

func exempt(v float64) bool {
	if v == math.Trunc(v) {
		if math.Abs(v) <= 12 {
			return true
		}
		if v >= 1900 && v <= 2100 {
			return true
		}
	}
	return false
}

func grounded(v float64, refs []float64, tol float64) bool {
	for _, ref := range refs {
		if near(v, ref, tol) || near(v, ref*100, tol) || near(v, ref/100, tol) {
			return true
		}
	}
	return false
}

func near(v, ref, tol float64) bool {
	scale := math.Max(math.Abs(ref), 1)
	return math.Abs(v-ref) <= tol*scale
}

// referenceValues flattens every numeric field of the context the model is
// allowed to cite.
func referenceValues(rc *core.ReasoningContext) []float64 {
	var refs []float64
	addDec := func(ds ...decimal.Decimal) {
		for _, d := range ds {
			refs = append(refs, d.InexactFloat64())
		}
	}

	addDec(rc.Market.VIX)
	addDec(rc.Account.NetLiquidation, rc.Account.AvailableFunds,
		rc.Account.ExcessLiquidity, rc.Account.MarginUtilisation)

	for _, p := range rc.Positions {
		addDec(p.Strike, p.EntryPremium, p.CurrentMid, p.Delta, p.Theta, p.UnrealizedPct)
		refs = append(refs, float64(p.DTE), float64(p.Contracts), float64(p.TradeID))
	}
	for _, c := range rc.Candidates {
		addDec(c.Strike, c.TargetDelta, c.LiveDelta, c.LimitPrice)
		refs = append(refs, float64(c.DTE), float64(c.Contracts))
	}
	for _, p := range rc.Patterns {
		refs = append(refs, p.WinRate, p.AvgROI, p.PValue, float64(p.SampleSize))
	}
	for _, e := range rc.Experiments {
		refs = append(refs, e.ControlValue, e.TestValue,
			float64(e.ControlSamples), float64(e.TestSamples))
	}

	refs = append(refs,
		rc.Params.TargetDelta, rc.Params.DeltaTolerance, float64(rc.Params.TargetDTE),
		rc.Params.ProfitTarget, rc.Params.StopMultiple, rc.Params.MinOTMPct,
		rc.Params.PremiumFloor, float64(rc.AutonomyLevel))
	return refs
}
