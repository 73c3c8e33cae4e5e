// Package gradients describes the diffusion-sensitizing directions of an
// acquisition: b-values, unit b-vectors and the mask of b0 measurements.
package gradients

import (
	"errors"
	"fmt"
	"math"
)

// DefaultB0Threshold is the largest b-value treated as a b0 measurement.
const DefaultB0Threshold = 0.0

// ErrInvalidTable is returned when bvals and bvecs cannot form a table.
var ErrInvalidTable = errors.New("gradients: invalid gradient table")

// Table holds N measurements, each with a b-value and a unit b-vector.
// B0s marks measurements with b <= B0Threshold; their b-vectors are
// ignored by the models.
type Table struct {
	Bvals       []float64
	Bvecs       [][3]float64
	B0s         []bool
	B0Threshold float64
}

// Option configures table construction.
type Option func(*Table)

// WithB0Threshold sets the b0 cut-off.
func WithB0Threshold(threshold float64) Option {
	return func(t *Table) {
		t.B0Threshold = threshold
	}
}

// New builds a table from parallel bvals and bvecs. Diffusion-weighted
// b-vectors are normalized to unit length; a zero b-vector paired with a
// non-b0 b-value is rejected.
func New(bvals []float64, bvecs [][3]float64, opts ...Option) (*Table, error) {
	t := &Table{B0Threshold: DefaultB0Threshold}
	for _, opt := range opts {
		opt(t)
	}

	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("%w: %d bvals but %d bvecs", ErrInvalidTable, len(bvals), len(bvecs))
	}
	if len(bvals) == 0 {
		return nil, fmt.Errorf("%w: no measurements", ErrInvalidTable)
	}

	t.Bvals = make([]float64, len(bvals))
	t.Bvecs = make([][3]float64, len(bvecs))
	t.B0s = make([]bool, len(bvals))

	for i, b := range bvals {
		if math.IsNaN(b) || math.IsInf(b, 0) || b < 0 {
			return nil, fmt.Errorf("%w: bval %d is %v", ErrInvalidTable, i, b)
		}
		t.Bvals[i] = b
		t.B0s[i] = b <= t.B0Threshold

		v := bvecs[i]
		if t.B0s[i] {
			t.Bvecs[i] = v
			continue
		}
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n < 1e-8 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%w: bvec %d has length %v for b=%v", ErrInvalidTable, i, n, b)
		}
		t.Bvecs[i] = [3]float64{v[0] / n, v[1] / n, v[2] / n}
	}

	return t, nil
}

// Len returns the number of measurements
func (t *Table) Len() int { return len(t.Bvals) }

// NumB0 returns the number of b0 measurements
func (t *Table) NumB0() int {
	n := 0
	for _, b0 := range t.B0s {
		if b0 {
			n++
		}
	}
	return n
}

// NumDiffusion returns the number of diffusion-weighted measurements
func (t *Table) NumDiffusion() int { return t.Len() - t.NumB0() }

// DiffusionBvals returns the b-values of the diffusion-weighted measurements
func (t *Table) DiffusionBvals() []float64 {
	out := make([]float64, 0, t.NumDiffusion())
	for i, b := range t.Bvals {
		if !t.B0s[i] {
			out = append(out, b)
		}
	}
	return out
}

// DiffusionBvecs returns the b-vectors of the diffusion-weighted measurements
func (t *Table) DiffusionBvecs() [][3]float64 {
	out := make([][3]float64, 0, t.NumDiffusion())
	for i, v := range t.Bvecs {
		if !t.B0s[i] {
			out = append(out, v)
		}
	}
	return out
}

// Subset returns a new table holding the measurements where keep is true.
func (t *Table) Subset(keep []bool) (*Table, error) {
	if len(keep) != t.Len() {
		return nil, fmt.Errorf("%w: mask has %d entries, table has %d", ErrInvalidTable, len(keep), t.Len())
	}
	var bvals []float64
	var bvecs [][3]float64
	for i, k := range keep {
		if k {
			bvals = append(bvals, t.Bvals[i])
			bvecs = append(bvecs, t.Bvecs[i])
		}
	}
	return New(bvals, bvecs, WithB0Threshold(t.B0Threshold))
}

// Concat returns a table with the measurements of t followed by those of other.
func (t *Table) Concat(other *Table) (*Table, error) {
	bvals := append(append([]float64{}, t.Bvals...), other.Bvals...)
	bvecs := append(append([][3]float64{}, t.Bvecs...), other.Bvecs...)
	return New(bvals, bvecs, WithB0Threshold(t.B0Threshold))
}
