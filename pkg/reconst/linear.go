package reconst

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/gradients"
)

// pinvCutoff matches the relative singular value cut-off used by LAPACK-based
// pseudo-inverses.
const pinvCutoff = 1e-15

// pinv returns the Moore-Penrose pseudo-inverse of a.
func pinv(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSingularDesign
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)
	if len(s) == 0 || s[0] == 0 {
		return nil, ErrSingularDesign
	}

	cut := pinvCutoff * s[0]
	for k, sv := range s {
		inv := 0.0
		if sv > cut {
			inv = 1 / sv
		}
		col := mat.Col(nil, k, &v)
		floats.Scale(inv, col)
		v.SetCol(k, col)
	}

	var out mat.Dense
	out.Mul(&v, u.T())
	return &out, nil
}

// hatMatrix returns U Uᵀ from the thin SVD of a, the projector onto its
// column space.
func hatMatrix(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSingularDesign
	}
	var u, out mat.Dense
	svd.UTo(&u)
	out.Mul(&u, u.T())
	return &out, nil
}

// linearFit solves log S = B x with OLS or WLS.
type linearFit struct {
	design *mat.Dense
	inv    *mat.Dense
	hat    *mat.Dense
	method FitMethod

	minSignal      float64
	minDiffusivity float64
}

func newLinearFit(design *mat.Dense, method FitMethod, minSignal float64) (*linearFit, error) {
	inv, err := pinv(design)
	if err != nil {
		return nil, err
	}
	lf := &linearFit{
		design:         design,
		inv:            inv,
		method:         method,
		minSignal:      minSignal,
		minDiffusivity: diffusivityTolerance / -mat.Min(design),
	}
	if method == WLS {
		if lf.hat, err = hatMatrix(design); err != nil {
			return nil, err
		}
	}
	return lf, nil
}

// solve returns the model parameters for one voxel.
func (lf *linearFit) solve(signal []float64) ([]float64, error) {
	n, _ := lf.design.Dims()
	if len(signal) != n {
		return nil, fmt.Errorf("%w: signal has %d values, table has %d", ErrShapeMismatch, len(signal), n)
	}

	logS := make([]float64, n)
	for i, s := range signal {
		logS[i] = math.Log(math.Max(s, lf.minSignal))
	}
	ls := mat.NewVecDense(n, logS)

	var x mat.VecDense
	if lf.method == OLS {
		x.MulVec(lf.inv, ls)
		return x.RawVector().Data, nil
	}

	// weights are the signal predicted by the unweighted fit
	var pred mat.VecDense
	pred.MulVec(lf.hat, ls)
	w := pred.RawVector().Data
	for i := range w {
		w[i] = math.Exp(w[i])
	}

	var weighted mat.Dense
	weighted.Apply(func(i, _ int, v float64) float64 { return w[i] * v }, lf.design)
	winv, err := pinv(&weighted)
	if err != nil {
		return nil, err
	}
	floats.Mul(logS, w)
	x.MulVec(winv, ls)
	return x.RawVector().Data, nil
}

// fitVoxels applies fit to every row of data with up to workers goroutines.
func fitVoxels[T any](ctx context.Context, data [][]float64, workers int, fit func([]float64) (T, error)) ([]T, error) {
	out := make([]T, len(data))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range data {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := fit(data[i])
			if err != nil {
				return fmt.Errorf("voxel %d: %w", i, err)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// distinctShells counts the distinct non-zero b-values, rounded to the
// nearest 10 s/mm².
func distinctShells(t *gradients.Table) int {
	seen := make(map[float64]struct{})
	for i, b := range t.Bvals {
		if t.B0s[i] {
			continue
		}
		seen[math.Round(b/10)] = struct{}{}
	}
	return len(seen)
}
