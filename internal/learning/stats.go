// Package learning runs the statistical loop over closed trades: pattern
// detection, A/B experiment management, and the end-of-day reflection
// that keeps working memory's performance block current.
package learning

import (
	"math"

	"github.com/axels2025/TAAD-sub002/internal/domain"
)

// welchT computes Welch's t statistic and degrees of freedom for two
// independent samples with unequal variances.
func welchT(a, b domain.ArmStats) (t, df float64) {
	if a.Samples < 2 || b.Samples < 2 {
		return 0, 0
	}
	na, nb := float64(a.Samples), float64(b.Samples)
	va, vb := a.Variance(), b.Variance()

	se2 := va/na + vb/nb
	if se2 == 0 {
		return 0, 0
	}
	t = (a.Mean() - b.Mean()) / math.Sqrt(se2)

	// Welch-Satterthwaite approximation
	num := se2 * se2
	den := (va/na)*(va/na)/(na-1) + (vb/nb)*(vb/nb)/(nb-1)
	if den == 0 {
		return t, 0
	}
	return t, num / den
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// pValueTwoSided approximates the two-sided p-value of a t statistic via
// the normal distribution. At the sample sizes required before any
// conclusion is drawn (min_samples per arm) the approximation error is
// well below the decision threshold.
func pValueTwoSided(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	return 2 * (1 - normalCDF(math.Abs(t)))
}

// cohensD computes the pooled-variance effect size between two samples.
func cohensD(a, b domain.ArmStats) float64 {
	if a.Samples < 2 || b.Samples < 2 {
		return 0
	}
	na, nb := float64(a.Samples), float64(b.Samples)
	pooled := ((na-1)*a.Variance() + (nb-1)*b.Variance()) / (na + nb - 2)
	if pooled <= 0 {
		return 0
	}
	return (a.Mean() - b.Mean()) / math.Sqrt(pooled)
}

// compare runs the full comparison between two arms.
type comparison struct {
	T      float64
	DF     float64
	PValue float64
	Effect float64
}

func compare(a, b domain.ArmStats) comparison {
	t, df := welchT(a, b)
	return comparison{
		T:      t,
		DF:     df,
		PValue: pValueTwoSided(t, df),
		Effect: cohensD(a, b),
	}
}
