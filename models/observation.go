package models

import (
	"errors"
	"strings"
	"time"
)

// Observation is one cycle of the behavior-index stream for a region.
type Observation struct {
	Region     string             `json:"region"`
	Value      float64            `json:"value"`
	Components map[string]float64 `json:"components,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ObservationInput represents incoming observation data from the API
type ObservationInput struct {
	Region     string             `json:"region"`
	Value      *float64           `json:"value"`
	Components map[string]float64 `json:"components"`
	Timestamp  string             `json:"timestamp"`
}

// Validate checks that the observation carries a region and a value
func (o *ObservationInput) Validate() error {
	if strings.TrimSpace(o.Region) == "" {
		return errors.New("region is required")
	}
	if o.Value == nil {
		return errors.New("value is required")
	}
	for name := range o.Components {
		if strings.TrimSpace(name) == "" {
			return errors.New("component names must not be empty")
		}
	}
	return nil
}

// ToObservation converts the input, defaulting the timestamp to now.
func (o *ObservationInput) ToObservation(now time.Time) (Observation, error) {
	ts := now
	if o.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, o.Timestamp)
		if err != nil {
			return Observation{}, errors.New("invalid timestamp format, use RFC3339")
		}
		ts = t
	}
	var value float64
	if o.Value != nil {
		value = *o.Value
	}
	return Observation{
		Region:     o.Region,
		Value:      value,
		Components: o.Components,
		Timestamp:  ts,
	}, nil
}

// AnomalyEvent represents one raised detector flag
type AnomalyEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Region    string    `json:"region"`
	Detector  string    `json:"detector"` // static, zscore, seasonal, residual, multivariate
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}
