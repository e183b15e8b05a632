package analytics

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
)

// RollingBuffer is a fixed-capacity FIFO window of observations.
// It is not safe for concurrent use; the owning RegionState serializes access.
type RollingBuffer struct {
	window []float64
	size   int
}

// NewRollingBuffer creates a RollingBuffer holding at most size values.
func NewRollingBuffer(size int) *RollingBuffer {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &RollingBuffer{
		window: make([]float64, 0, size),
		size:   size,
	}
}

// Push appends a value, evicting the oldest one once the window is full.
func (rb *RollingBuffer) Push(value float64) {
	if len(rb.window) >= rb.size {
		// Shift in place so the backing array never grows past size.
		copy(rb.window, rb.window[1:])
		rb.window = rb.window[:len(rb.window)-1]
	}
	rb.window = append(rb.window, value)
}

// Mean returns the mean of the window, or 0 when it is empty.
func (rb *RollingBuffer) Mean() float64 {
	mean, err := stats.Mean(rb.window)
	if err != nil {
		return 0
	}
	return mean
}

// Std returns the population standard deviation of the window.
// It is exactly 0 with fewer than two values or when the variance is
// numerically zero.
func (rb *RollingBuffer) Std() float64 {
	if len(rb.window) < 2 {
		return 0
	}
	variance, err := stats.PopulationVariance(rb.window)
	if err != nil {
		return 0
	}
	mean := rb.Mean()
	if variance <= math.Max(varianceTolerance*mean*mean, math.SmallestNonzeroFloat64) {
		return 0
	}
	return math.Sqrt(variance)
}

// MeanStd returns Mean and Std together.
func (rb *RollingBuffer) MeanStd() (mean, std float64) {
	return rb.Mean(), rb.Std()
}

// Percentile returns the p-th percentile (p in [0, 100]) of the window,
// interpolating linearly between the two nearest ranks. A single value is
// returned as is; an empty window yields def.
func (rb *RollingBuffer) Percentile(p, def float64) float64 {
	switch len(rb.window) {
	case 0:
		return def
	case 1:
		return rb.window[0]
	}

	sorted := make([]float64, len(rb.window))
	copy(sorted, rb.window)
	sort.Float64s(sorted)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Values returns a copy of the window, oldest first.
func (rb *RollingBuffer) Values() []float64 {
	result := make([]float64, len(rb.window))
	copy(result, rb.window)
	return result
}

// Len returns the number of values in the window.
func (rb *RollingBuffer) Len() int {
	return len(rb.window)
}

// Cap returns the configured window size.
func (rb *RollingBuffer) Cap() int {
	return rb.size
}
