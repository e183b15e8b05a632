package analytics

import "fmt"

const (
	DefaultWindowSize              = 500
	DefaultStaticLowerPercentile   = 5.0
	DefaultStaticUpperPercentile   = 95.0
	DefaultZScoreThreshold         = 2.5
	DefaultEWMAAlpha               = 0.1
	DefaultSeasonalBandK           = 2.0
	DefaultResidualZScoreThreshold = 2.5
	DefaultMultivariateThreshold   = 15.0
)

// Config holds the detector thresholds shared by every region.
// It is passed by value and never mutated after the engine is built.
type Config struct {
	WindowSize              int     `envconfig:"WINDOW_SIZE" default:"500"`
	StaticLowerPercentile   float64 `envconfig:"STATIC_LOWER_PERCENTILE" default:"5"`
	StaticUpperPercentile   float64 `envconfig:"STATIC_UPPER_PERCENTILE" default:"95"`
	ZScoreThreshold         float64 `envconfig:"ZSCORE_THRESHOLD" default:"2.5"`
	EWMAAlpha               float64 `envconfig:"EWMA_ALPHA" default:"0.1"`
	SeasonalBandK           float64 `envconfig:"SEASONAL_BAND_K" default:"2.0"`
	ResidualZScoreThreshold float64 `envconfig:"RESIDUAL_ZSCORE_THRESHOLD" default:"2.5"`
	MultivariateThreshold   float64 `envconfig:"MULTIVARIATE_THRESHOLD" default:"15.0"`
}

// DefaultConfig returns the detector configuration with the documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:              DefaultWindowSize,
		StaticLowerPercentile:   DefaultStaticLowerPercentile,
		StaticUpperPercentile:   DefaultStaticUpperPercentile,
		ZScoreThreshold:         DefaultZScoreThreshold,
		EWMAAlpha:               DefaultEWMAAlpha,
		SeasonalBandK:           DefaultSeasonalBandK,
		ResidualZScoreThreshold: DefaultResidualZScoreThreshold,
		MultivariateThreshold:   DefaultMultivariateThreshold,
	}
}

// Validate checks that every threshold is usable.
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be > 0, got %d", c.WindowSize)
	}
	if c.StaticLowerPercentile < 0 || c.StaticLowerPercentile > 100 {
		return fmt.Errorf("static lower percentile must be within [0, 100], got %v", c.StaticLowerPercentile)
	}
	if c.StaticUpperPercentile < 0 || c.StaticUpperPercentile > 100 {
		return fmt.Errorf("static upper percentile must be within [0, 100], got %v", c.StaticUpperPercentile)
	}
	if c.StaticLowerPercentile >= c.StaticUpperPercentile {
		return fmt.Errorf("static lower percentile (%v) must be below upper percentile (%v)",
			c.StaticLowerPercentile, c.StaticUpperPercentile)
	}
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("zscore threshold must be > 0, got %v", c.ZScoreThreshold)
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		return fmt.Errorf("ewma alpha must be within (0, 1], got %v", c.EWMAAlpha)
	}
	if c.SeasonalBandK <= 0 {
		return fmt.Errorf("seasonal band k must be > 0, got %v", c.SeasonalBandK)
	}
	if c.ResidualZScoreThreshold <= 0 {
		return fmt.Errorf("residual zscore threshold must be > 0, got %v", c.ResidualZScoreThreshold)
	}
	if c.MultivariateThreshold <= 0 {
		return fmt.Errorf("multivariate threshold must be > 0, got %v", c.MultivariateThreshold)
	}
	return nil
}
