package reconst

import "errors"

var (
	// ErrMinSignal is returned when the signal floor is not positive.
	ErrMinSignal = errors.New("reconst: min signal must be positive")

	// ErrShapeMismatch is returned when a signal does not match the gradient table.
	ErrShapeMismatch = errors.New("reconst: shape mismatch")

	// ErrUnknownFitMethod is returned for an unrecognized fit method name.
	ErrUnknownFitMethod = errors.New("reconst: unknown fit method")

	// ErrTooFewMeasurements is returned when the table cannot determine every
	// model parameter.
	ErrTooFewMeasurements = errors.New("reconst: too few measurements")

	// ErrInsufficientShells is returned when a kurtosis fit sees fewer than two
	// non-zero b-values.
	ErrInsufficientShells = errors.New("reconst: kurtosis needs at least two non-zero b-values")

	// ErrSingularDesign is returned when the pseudo-inverse cannot be formed.
	ErrSingularDesign = errors.New("reconst: singular design matrix")
)
