package analytics

import "math"

// UnivariateResult is the output of the most recent UnivariateDetector update.
type UnivariateResult struct {
	LowerBound    float64 `json:"static_lower_bound"`
	UpperBound    float64 `json:"static_upper_bound"`
	ZScore        float64 `json:"zscore"`
	StaticAnomaly bool    `json:"static_anomaly"`
	ZScoreAnomaly bool    `json:"zscore_anomaly"`
}

// UnivariateDetector flags an observation against the recent history of the
// primary signal: static percentile bounds plus a z-score over the window.
//
// The observation is pushed before bounds and statistics are computed, so it
// is part of its own reference window. With only a handful of observations
// the bounds collapse onto the few values seen and the flags carry little
// meaning; callers should consult RegionState.Reliable before acting on them.
type UnivariateDetector struct {
	buffer    *RollingBuffer
	lowerPct  float64
	upperPct  float64
	threshold float64
	result    UnivariateResult
}

// NewUnivariateDetector creates a detector over buffer. The buffer is owned
// by the detector but may be read by the seasonal detector.
func NewUnivariateDetector(buffer *RollingBuffer, cfg Config) *UnivariateDetector {
	return &UnivariateDetector{
		buffer:    buffer,
		lowerPct:  cfg.StaticLowerPercentile,
		upperPct:  cfg.StaticUpperPercentile,
		threshold: cfg.ZScoreThreshold,
	}
}

// Update pushes value into the window and recomputes bounds and z-score.
func (d *UnivariateDetector) Update(value float64) UnivariateResult {
	d.buffer.Push(value)

	lower := d.buffer.Percentile(d.lowerPct, value)
	upper := d.buffer.Percentile(d.upperPct, value)

	mean, std := d.buffer.MeanStd()
	z := zScore(value, mean, std)

	d.result = UnivariateResult{
		LowerBound:    lower,
		UpperBound:    upper,
		ZScore:        z,
		StaticAnomaly: value < lower || value > upper,
		ZScoreAnomaly: math.Abs(z) > d.threshold,
	}
	return d.result
}

// Result returns the output of the last update.
func (d *UnivariateDetector) Result() UnivariateResult {
	return d.result
}

// Buffer returns the raw-value window.
func (d *UnivariateDetector) Buffer() *RollingBuffer {
	return d.buffer
}
