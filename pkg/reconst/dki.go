package reconst

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/gradients"
	"dkilife/pkg/tensor"
)

// DKIDesign returns the 22-column kurtosis design matrix: the six tensor
// columns of TensorDesign, fifteen kurtosis columns scaled by b²/6 and
// their permutation counts, then 1 for log S0.
func DKIDesign(t *gradients.Table) *mat.Dense {
	d := mat.NewDense(t.Len(), 22, nil)
	for i, b := range t.Bvals {
		g := t.Bvecs[i]
		x, y, z := g[0], g[1], g[2]
		bb := b * b
		d.SetRow(i, []float64{
			-b * x * x,
			-2 * b * x * y,
			-b * y * y,
			-2 * b * x * z,
			-2 * b * y * z,
			-b * z * z,
			bb * x * x * x * x / 6,
			bb * y * y * y * y / 6,
			bb * z * z * z * z / 6,
			4 * bb * x * x * x * y / 6,
			4 * bb * x * x * x * z / 6,
			4 * bb * y * y * y * x / 6,
			4 * bb * y * y * y * z / 6,
			4 * bb * z * z * z * x / 6,
			4 * bb * z * z * z * y / 6,
			bb * x * x * y * y,
			bb * x * x * z * z,
			bb * y * y * z * z,
			2 * bb * x * x * y * z,
			2 * bb * y * y * x * z,
			2 * bb * z * z * x * y,
			1,
		})
	}
	return d
}

// DKIModel fits the diffusion and kurtosis tensors per voxel.
type DKIModel struct {
	table *gradients.Table
	cfg   config
	lin   *linearFit
}

// NewDKIModel builds the kurtosis design matrix. The table needs at least
// 22 measurements over two or more non-zero b-values.
func NewDKIModel(table *gradients.Table, opts ...Option) (*DKIModel, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if table.Len() < 22 {
		return nil, fmt.Errorf("%w: kurtosis fit needs 22, table has %d", ErrTooFewMeasurements, table.Len())
	}
	if n := distinctShells(table); n < 2 {
		return nil, fmt.Errorf("%w: found %d", ErrInsufficientShells, n)
	}
	lin, err := newLinearFit(DKIDesign(table), cfg.method, cfg.minSignal)
	if err != nil {
		return nil, err
	}
	return &DKIModel{table: table, cfg: cfg, lin: lin}, nil
}

// Table returns the gradient table the model was built for.
func (m *DKIModel) Table() *gradients.Table { return m.table }

// Method returns the resolved fit method.
func (m *DKIModel) Method() FitMethod { return m.cfg.method }

// Fit estimates both tensors of one voxel. The kurtosis elements are the
// fitted coefficients divided by the squared mean diffusivity.
func (m *DKIModel) Fit(signal []float64) (*DKIFit, error) {
	x, err := m.lin.solve(signal)
	if err != nil {
		return nil, err
	}
	var d [6]float64
	copy(d[:], x[:6])
	eig, err := tensor.Decompose(tensor.FromLowerTriangular(d), m.lin.minDiffusivity)
	if err != nil {
		return nil, err
	}

	fit := &DKIFit{TensorFit: TensorFit{Eig: eig, S0: math.Exp(x[21])}}
	md := fit.MD()
	for i := range fit.KT {
		fit.KT[i] = x[6+i] / (md * md)
	}
	return fit, nil
}

// FitAll fits every row of data.
func (m *DKIModel) FitAll(ctx context.Context, data [][]float64) ([]*DKIFit, error) {
	m.cfg.logger.Debug("fitting kurtosis tensors", "voxels", len(data), "method", m.cfg.method.String())
	return fitVoxels(ctx, data, m.cfg.workers, m.Fit)
}

// DKIFit is the fitted diffusion and kurtosis tensor of one voxel.
type DKIFit struct {
	TensorFit
	KT KurtosisTensor
}

// MK is the mean kurtosis.
func (f *DKIFit) MK() float64 { return MeanKurtosis(f.Eig.Vals, f.Eig.Vecs, &f.KT) }

// AK is the axial kurtosis.
func (f *DKIFit) AK() float64 { return AxialKurtosis(f.Eig.Vals, f.Eig.Vecs, &f.KT) }

// RK is the radial kurtosis.
func (f *DKIFit) RK() float64 { return RadialKurtosis(f.Eig.Vals, f.Eig.Vecs, &f.KT) }

// Predict returns S0·exp(-b·gᵀDg + b²·MD²·W(g)/6) on table for baseline s0.
func (f *DKIFit) Predict(table *gradients.Table, s0 float64) []float64 {
	q := f.Quadratic()
	md := f.MD()
	out := make([]float64, table.Len())
	for i, b := range table.Bvals {
		g := table.Bvecs[i]
		out[i] = s0 * math.Exp(-b*tensor.ADC(q, g)+b*b*md*md*f.KT.Apparent(g)/6)
	}
	return out
}
