// Package reconst fits voxel-wise signal models to diffusion data: the
// diffusion tensor (DTI) and the diffusion kurtosis tensor (DKI), both as
// linear least squares on the log signal.
package reconst

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/gradients"
	"dkilife/pkg/tensor"
)

// TensorDesign returns the 7-column DTI design matrix. Row i holds
// -b·[gx², 2gxgy, gy², 2gxgz, 2gygz, gz²] followed by 1 for log S0.
func TensorDesign(t *gradients.Table) *mat.Dense {
	d := mat.NewDense(t.Len(), 7, nil)
	for i, b := range t.Bvals {
		g := t.Bvecs[i]
		d.SetRow(i, []float64{
			-b * g[0] * g[0],
			-2 * b * g[0] * g[1],
			-b * g[1] * g[1],
			-2 * b * g[0] * g[2],
			-2 * b * g[1] * g[2],
			-b * g[2] * g[2],
			1,
		})
	}
	return d
}

// TensorModel fits a single diffusion tensor per voxel.
type TensorModel struct {
	table *gradients.Table
	cfg   config
	lin   *linearFit
}

// NewTensorModel builds the design matrix and its pseudo-inverse.
func NewTensorModel(table *gradients.Table, opts ...Option) (*TensorModel, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if table.Len() < 7 {
		return nil, fmt.Errorf("%w: tensor fit needs 7, table has %d", ErrTooFewMeasurements, table.Len())
	}
	lin, err := newLinearFit(TensorDesign(table), cfg.method, cfg.minSignal)
	if err != nil {
		return nil, err
	}
	return &TensorModel{table: table, cfg: cfg, lin: lin}, nil
}

// Table returns the gradient table the model was built for.
func (m *TensorModel) Table() *gradients.Table { return m.table }

// Fit estimates the tensor of one voxel.
func (m *TensorModel) Fit(signal []float64) (*TensorFit, error) {
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
	return &TensorFit{Eig: eig, S0: math.Exp(x[6])}, nil
}

// FitAll fits every row of data.
func (m *TensorModel) FitAll(ctx context.Context, data [][]float64) ([]*TensorFit, error) {
	m.cfg.logger.Debug("fitting tensors", "voxels", len(data), "method", m.cfg.method.String())
	return fitVoxels(ctx, data, m.cfg.workers, m.Fit)
}

// TensorFit is the fitted tensor of one voxel.
type TensorFit struct {
	Eig tensor.Eig
	S0  float64
}

// Evals returns the eigenvalues in descending order.
func (f *TensorFit) Evals() [3]float64 { return f.Eig.Vals }

// Quadratic returns the tensor as a symmetric matrix.
func (f *TensorFit) Quadratic() *mat.SymDense { return f.Eig.Compose() }

// MD is the mean diffusivity.
func (f *TensorFit) MD() float64 {
	v := f.Eig.Vals
	return (v[0] + v[1] + v[2]) / 3
}

// AD is the axial diffusivity, the largest eigenvalue.
func (f *TensorFit) AD() float64 { return f.Eig.Vals[0] }

// RD is the radial diffusivity.
func (f *TensorFit) RD() float64 { return (f.Eig.Vals[1] + f.Eig.Vals[2]) / 2 }

// FA is the fractional anisotropy.
func (f *TensorFit) FA() float64 {
	v := f.Eig.Vals
	den := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	if den == 0 {
		return 0
	}
	num := (v[0]-v[1])*(v[0]-v[1]) + (v[1]-v[2])*(v[1]-v[2]) + (v[2]-v[0])*(v[2]-v[0])
	return math.Sqrt(0.5 * num / den)
}

// Predict returns the signal the tensor produces on table for baseline s0.
func (f *TensorFit) Predict(table *gradients.Table, s0 float64) []float64 {
	return tensor.SingleTensorSignal(f.Quadratic(), s0, table.Bvals, table.Bvecs, nil)
}
