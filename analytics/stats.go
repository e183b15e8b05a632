package analytics

import "math"

// varianceTolerance is the variance, relative to the squared mean, below
// which a window is treated as constant. Summing identical values can leave rounding residue in the
// variance; anything this small must not turn into a huge z-score.
const varianceTolerance = 1e-20

// safeDivide returns num/den, or 0 when den is zero.
// Every score in this package goes through it so that a degenerate window
// yields a neutral score instead of Inf or NaN.
func safeDivide(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// zScore is (value - mean) / std with the zero-variance guard applied.
func zScore(value, mean, std float64) float64 {
	return safeDivide(value-mean, std)
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
