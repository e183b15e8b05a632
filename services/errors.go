package services

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyRegion indicates an observation without a usable region identifier
	ErrEmptyRegion = errors.New("region identifier is empty")

	// ErrNonFiniteValue indicates a NaN or infinite primary or component value
	ErrNonFiniteValue = errors.New("non-finite value")
)

// ObservationError describes an observation dropped at the engine boundary.
type ObservationError struct {
	Region string
	Field  string
	Value  float64
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("observation for region %q dropped: field %q has non-finite value %v", e.Region, e.Field, e.Value)
}

func (e *ObservationError) Unwrap() error {
	return ErrNonFiniteValue
}
