// Package tensor holds second-order diffusion tensor primitives shared by the
// LiFE and reconstruction models.
package tensor

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrZeroGradient is returned when a direction has no usable length.
var ErrZeroGradient = errors.New("tensor: zero-length gradient")

// ErrDecomposition is returned when the eigendecomposition fails.
var ErrDecomposition = errors.New("tensor: eigendecomposition failed")

// LowerTriangular packs a symmetric 3x3 tensor as
// Dxx, Dxy, Dyy, Dxz, Dyz, Dzz.
func LowerTriangular(t mat.Symmetric) [6]float64 {
	return [6]float64{
		t.At(0, 0),
		t.At(1, 0),
		t.At(1, 1),
		t.At(2, 0),
		t.At(2, 1),
		t.At(2, 2),
	}
}

// FromLowerTriangular unpacks the layout produced by LowerTriangular.
func FromLowerTriangular(d [6]float64) *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		d[0], d[1], d[3],
		d[1], d[2], d[4],
		d[3], d[4], d[5],
	})
}

// Eig is the eigendecomposition of a diffusion tensor with eigenvalues in
// descending order. Column i of Vecs belongs to Vals[i].
type Eig struct {
	Vals [3]float64
	Vecs *mat.Dense
}

// Decompose returns the eigenvalues and eigenvectors of t, sorted so that the
// largest eigenvalue comes first. Eigenvalues are clipped from below at
// minDiffusivity.
func Decompose(t mat.Symmetric, minDiffusivity float64) (Eig, error) {
	var es mat.EigenSym
	if ok := es.Factorize(t, true); !ok {
		return Eig{}, ErrDecomposition
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	order := []int{0, 1, 2}
	sort.SliceStable(order, func(i, j int) bool { return vals[order[i]] > vals[order[j]] })

	out := Eig{Vecs: mat.NewDense(3, 3, nil)}
	for k, i := range order {
		v := vals[i]
		if v < minDiffusivity {
			v = minDiffusivity
		}
		out.Vals[k] = v
		for r := 0; r < 3; r++ {
			out.Vecs.Set(r, k, vecs.At(r, i))
		}
	}
	return out, nil
}

// Principal returns the eigenvector of the largest eigenvalue.
func (e Eig) Principal() [3]float64 {
	return [3]float64{e.Vecs.At(0, 0), e.Vecs.At(1, 0), e.Vecs.At(2, 0)}
}

// Compose rebuilds the tensor V diag(vals) V^T.
func (e Eig) Compose() *mat.SymDense {
	return compose(e.Vecs, e.Vals)
}

func compose(v mat.Matrix, vals [3]float64) *mat.SymDense {
	out := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += v.At(i, k) * vals[k] * v.At(j, k)
			}
			out.SetSym(i, j, s)
		}
	}
	return out
}

// GradTensor returns the tensor with eigenvalues evals whose principal axis
// lies along g. The rotation comes from the SVD of g as a 1x3 row: the first
// right singular vector is g/|g| and the remaining two complete the basis.
func GradTensor(g [3]float64, evals [3]float64) (*mat.SymDense, error) {
	n := math.Sqrt(g[0]*g[0] + g[1]*g[1] + g[2]*g[2])
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroGradient
	}

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(1, 3, g[:]), mat.SVDFull); !ok {
		return nil, ErrZeroGradient
	}
	var v mat.Dense
	svd.VTo(&v)

	// The sign of the first singular vector is arbitrary; T is invariant to it.
	return compose(&v, evals), nil
}

// ADC returns the apparent diffusion coefficient b^T T b along unit vector b.
func ADC(t mat.Symmetric, b [3]float64) float64 {
	var s float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s += b[i] * t.At(i, j) * b[j]
		}
	}
	return s
}

// SingleTensorSignal returns S0 * exp(-b * ADC) for every measurement.
// Measurements flagged in b0s get S0.
func SingleTensorSignal(t mat.Symmetric, s0 float64, bvals []float64, bvecs [][3]float64, b0s []bool) []float64 {
	out := make([]float64, len(bvals))
	for i, b := range bvals {
		if b0s != nil && b0s[i] {
			out[i] = s0
			continue
		}
		out[i] = s0 * math.Exp(-b*ADC(t, bvecs[i]))
	}
	return out
}
