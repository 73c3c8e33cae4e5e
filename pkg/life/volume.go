package life

import "fmt"

// Volume is a 4D diffusion dataset: three spatial axes and one gradient axis.
type Volume interface {
	Dims() [4]int
	At(x, y, z, g int) float64
}

// DenseVolume stores a Volume in a flat slice, last axis fastest.
type DenseVolume struct {
	dims [4]int
	data []float64
}

// NewDenseVolume wraps data laid out as [x][y][z][g].
func NewDenseVolume(dims [4]int, data []float64) (*DenseVolume, error) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, dims)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for dims %v", ErrShapeMismatch, len(data), dims)
	}
	return &DenseVolume{dims: dims, data: data}, nil
}

// Dims returns the volume shape
func (v *DenseVolume) Dims() [4]int { return v.dims }

func (v *DenseVolume) offset(x, y, z, g int) int {
	d := v.dims
	return ((x*d[1]+y)*d[2]+z)*d[3] + g
}

// At returns the value at (x, y, z, g)
func (v *DenseVolume) At(x, y, z, g int) float64 { return v.data[v.offset(x, y, z, g)] }

// Set stores val at (x, y, z, g)
func (v *DenseVolume) Set(x, y, z, g int, val float64) { v.data[v.offset(x, y, z, g)] = val }

// Data returns the backing slice
func (v *DenseVolume) Data() []float64 { return v.data }
