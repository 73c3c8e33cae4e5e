// Package npyio reads and writes the NumPy .npy arrays the dkilife command
// consumes and produces.
package npyio

import (
	"errors"
	"fmt"

	"github.com/kshedden/gonpy"

	"dkilife/internal/models"
	"dkilife/pkg/gradients"
	"dkilife/pkg/life"
)

// ErrShape is returned when an array does not have the expected shape.
var ErrShape = errors.New("npyio: unexpected array shape")

// Array is a row-major float64 array with its shape.
type Array struct {
	Shape []int
	Data  []float64
}

// ReadFloat64 reads an .npy file of any float or integer dtype as float64.
func ReadFloat64(path string) (*Array, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if r.ColumnMajor {
		return nil, fmt.Errorf("%w: %s is stored in Fortran order", ErrShape, path)
	}

	var data []float64
	switch r.Dtype {
	case "f8":
		data, err = r.GetFloat64()
	case "f4":
		var v []float32
		if v, err = r.GetFloat32(); err == nil {
			data = make([]float64, len(v))
			for i, x := range v {
				data[i] = float64(x)
			}
		}
	case "i8":
		var v []int64
		if v, err = r.GetInt64(); err == nil {
			data = make([]float64, len(v))
			for i, x := range v {
				data[i] = float64(x)
			}
		}
	case "i4":
		var v []int32
		if v, err = r.GetInt32(); err == nil {
			data = make([]float64, len(v))
			for i, x := range v {
				data[i] = float64(x)
			}
		}
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %q", path, r.Dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &Array{Shape: append([]int(nil), r.Shape...), Data: data}, nil
}

// WriteFloat64 writes data with the given shape as a version 2 .npy file.
func WriteFloat64(path string, shape []int, data []float64) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w.Shape = shape
	w.Version = 2
	if err := w.WriteFloat64(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteRows writes equally long rows as a 2D array.
func WriteRows(path string, rows [][]float64) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	flat := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(r), cols)
		}
		flat = append(flat, r...)
	}
	return WriteFloat64(path, []int{len(rows), cols}, flat)
}

// ReadVolume reads a 4D (x, y, z, g) array, or a 2D (voxels, g) array which
// is treated as a single row of voxels along x.
func ReadVolume(path string) (*life.DenseVolume, error) {
	a, err := ReadFloat64(path)
	if err != nil {
		return nil, err
	}
	var dims [4]int
	switch len(a.Shape) {
	case 4:
		copy(dims[:], a.Shape)
	case 2:
		dims = [4]int{a.Shape[0], 1, 1, a.Shape[1]}
	default:
		return nil, fmt.Errorf("%w: %s has %d axes, want 2 or 4", ErrShape, path, len(a.Shape))
	}
	return life.NewDenseVolume(dims, a.Data)
}

// ReadAffine reads a (4, 4) voxel-to-world or world-to-voxel transform.
func ReadAffine(path string) (*models.Affine, error) {
	a, err := ReadFloat64(path)
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 || a.Shape[0] != 4 || a.Shape[1] != 4 {
		return nil, fmt.Errorf("%w: affine %s has shape %v", ErrShape, path, a.Shape)
	}
	var aff models.Affine
	for i := 0; i < 4; i++ {
		copy(aff[i][:], a.Data[4*i:4*i+4])
	}
	return &aff, nil
}

// ReadStreamlines reads concatenated (N, 3) points and the (S,) number of
// points of each streamline.
func ReadStreamlines(pointsPath, lengthsPath string) ([]models.Streamline, error) {
	pts, err := ReadFloat64(pointsPath)
	if err != nil {
		return nil, err
	}
	if len(pts.Shape) != 2 || pts.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: points %s has shape %v, want (N, 3)", ErrShape, pointsPath, pts.Shape)
	}
	lens, err := ReadFloat64(lengthsPath)
	if err != nil {
		return nil, err
	}
	if len(lens.Shape) != 1 {
		return nil, fmt.Errorf("%w: lengths %s has shape %v, want (S,)", ErrShape, lengthsPath, lens.Shape)
	}
	return SplitStreamlines(pts.Data, lens.Data)
}

// SplitStreamlines cuts flat xyz triples into streamlines of the given
// lengths.
func SplitStreamlines(points, lengths []float64) ([]models.Streamline, error) {
	total := len(points) / 3
	out := make([]models.Streamline, len(lengths))
	start := 0
	for s, l := range lengths {
		n := int(l)
		if float64(n) != l || n < 0 {
			return nil, fmt.Errorf("%w: streamline %d has length %v", ErrShape, s, l)
		}
		if start+n > total {
			return nil, fmt.Errorf("%w: lengths need %d points, have %d", ErrShape, start+n, total)
		}
		sl := make(models.Streamline, n)
		for i := range sl {
			copy(sl[i][:], points[3*(start+i):3*(start+i)+3])
		}
		out[s] = sl
		start += n
	}
	if start != total {
		return nil, fmt.Errorf("%w: lengths cover %d of %d points", ErrShape, start, total)
	}
	return out, nil
}

// ReadGradients reads a (G,) b-value array and a (G, 3) or (3, G) b-vector
// array into a gradient table.
func ReadGradients(bvalsPath, bvecsPath string, opts ...gradients.Option) (*gradients.Table, error) {
	bv, err := ReadFloat64(bvalsPath)
	if err != nil {
		return nil, err
	}
	if len(bv.Shape) != 1 {
		return nil, fmt.Errorf("%w: bvals %s has shape %v, want (G,)", ErrShape, bvalsPath, bv.Shape)
	}
	vecs, err := ReadFloat64(bvecsPath)
	if err != nil {
		return nil, err
	}
	g := len(bv.Data)
	bvecs := make([][3]float64, g)
	switch {
	case len(vecs.Shape) == 2 && vecs.Shape[0] == g && vecs.Shape[1] == 3:
		for i := range bvecs {
			copy(bvecs[i][:], vecs.Data[3*i:3*i+3])
		}
	case len(vecs.Shape) == 2 && vecs.Shape[0] == 3 && vecs.Shape[1] == g:
		for i := range bvecs {
			bvecs[i] = [3]float64{vecs.Data[i], vecs.Data[g+i], vecs.Data[2*g+i]}
		}
	default:
		return nil, fmt.Errorf("%w: bvecs %s has shape %v for %d b-values", ErrShape, bvecsPath, vecs.Shape, g)
	}
	return gradients.New(bv.Data, bvecs, opts...)
}
