package analytics

import "math"

// SeasonalResult is the output of the most recent SeasonalDetector update.
type SeasonalResult struct {
	Baseline        float64 `json:"baseline"`
	UpperBand       float64 `json:"upper_band"`
	LowerBand       float64 `json:"lower_band"`
	Residual        float64 `json:"residual"`
	ResidualZScore  float64 `json:"residual_zscore"`
	SeasonalAnomaly bool    `json:"seasonal_anomaly"`
	ResidualAnomaly bool    `json:"residual_anomaly"`
}

// SeasonalDetector tracks an EWMA baseline of the primary signal, a band of
// seasonalBandK raw standard deviations around it, and a z-score of the
// residual (value - baseline) against its own window.
//
// The band width is read from the raw-value window owned by the univariate
// detector, which must already contain the current observation.
type SeasonalDetector struct {
	raw       *RollingBuffer
	residuals *RollingBuffer

	alpha     float64
	bandK     float64
	threshold float64

	baseline    float64
	initialized bool
	result      SeasonalResult
}

// NewSeasonalDetector creates a detector that reads band width from raw.
func NewSeasonalDetector(raw *RollingBuffer, cfg Config) *SeasonalDetector {
	return &SeasonalDetector{
		raw:       raw,
		residuals: NewRollingBuffer(cfg.WindowSize),
		alpha:     cfg.EWMAAlpha,
		bandK:     cfg.SeasonalBandK,
		threshold: cfg.ResidualZScoreThreshold,
	}
}

// Update advances the baseline with value and recomputes bands and residual score.
func (d *SeasonalDetector) Update(value float64) SeasonalResult {
	if !d.initialized {
		d.baseline = value
		d.initialized = true
	} else {
		// Incremental form of alpha*value + (1-alpha)*baseline. A value equal
		// to the baseline leaves it bit-for-bit unchanged.
		next := d.baseline + d.alpha*(value-d.baseline)
		if next == d.baseline {
			// The step is below the baseline's precision: it is as close to
			// value as the arithmetic gets.
			next = value
		}
		d.baseline = next
	}

	rawStd := d.raw.Std()
	upper := d.baseline + d.bandK*rawStd
	lower := d.baseline - d.bandK*rawStd

	residual := value - d.baseline
	d.residuals.Push(residual)
	mean, std := d.residuals.MeanStd()
	rz := zScore(residual, mean, std)

	d.result = SeasonalResult{
		Baseline:        d.baseline,
		UpperBand:       upper,
		LowerBand:       lower,
		Residual:        residual,
		ResidualZScore:  rz,
		SeasonalAnomaly: value < lower || value > upper,
		ResidualAnomaly: math.Abs(rz) > d.threshold,
	}
	return d.result
}

// Result returns the output of the last update.
func (d *SeasonalDetector) Result() SeasonalResult {
	return d.result
}

// Baseline returns the current EWMA baseline and whether it has been seeded.
func (d *SeasonalDetector) Baseline() (float64, bool) {
	return d.baseline, d.initialized
}

// Residuals returns the residual window.
func (d *SeasonalDetector) Residuals() *RollingBuffer {
	return d.residuals
}
