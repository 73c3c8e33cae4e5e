package life

import "errors"

// Precondition violations.
var (
	// ErrDegenerateStreamline is returned for streamlines with fewer than two nodes.
	ErrDegenerateStreamline = errors.New("life: streamline needs at least two nodes")

	// ErrInvalidOption is returned when a model option is out of range.
	ErrInvalidOption = errors.New("life: invalid option")

	// ErrMissingB0 is returned when the gradient table has no b0 measurement.
	ErrMissingB0 = errors.New("life: gradient table has no b0 measurement")

	// ErrNoDiffusionWeighting is returned when the gradient table has no
	// diffusion-weighted measurement.
	ErrNoDiffusionWeighting = errors.New("life: gradient table has no diffusion-weighted measurement")

	// ErrShapeMismatch is returned when array dimensions disagree.
	ErrShapeMismatch = errors.New("life: shape mismatch")
)

// Numerical degeneracies.
var (
	// ErrZeroB0Signal is returned when a fitted voxel has a vanishing b0 mean.
	ErrZeroB0Signal = errors.New("life: zero b0 signal")

	// ErrEmptyVoxelSet is returned when streamlines visit no voxel.
	ErrEmptyVoxelSet = errors.New("life: empty voxel set")

	// ErrVoxelOutOfBounds is returned when a streamline leaves the data volume.
	ErrVoxelOutOfBounds = errors.New("life: voxel outside data volume")
)
