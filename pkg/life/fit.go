package life

import (
	"context"
	"fmt"

	"dkilife/internal/models"
	"dkilife/pkg/gradients"
)

// FiberFit is the read-only result of FiberModel.Fit.
type FiberFit struct {
	// Beta holds one non-negative weight per streamline.
	Beta []float64
	// Voxels are the fitted voxels; row v of every per-voxel field refers to Voxels[v].
	Voxels      []models.Voxel
	Affine      models.Affine
	Evals       [3]float64
	Streamlines []models.Streamline // transformed into voxel coordinates

	// FitSignal is the S0-normalized, demeaned signal the weights were fit
	// to, voxel-major.
	FitSignal      []float64
	WeightedSignal [][]float64
	RelativeSignal [][]float64
	MeanSignal     []float64
	B0Signal       []float64
	VoxelData      [][]float64

	Report SolverReport

	model   *FiberModel
	problem *Problem
}

// Predict returns the predicted signal of every fitted voxel, shape
// (voxels, table.Len()). A nil table predicts on the training table and a
// nil s0 uses the fitted mean b0 signal. b0 measurements are set to s0.
func (f *FiberFit) Predict(table *gradients.Table, s0 []float64) ([][]float64, error) {
	nVox := len(f.Voxels)
	if s0 == nil {
		s0 = f.B0Signal
	}
	if len(s0) != nVox {
		return nil, fmt.Errorf("%w: %d S0 values for %d voxels", ErrShapeMismatch, len(s0), nVox)
	}

	if table == nil {
		table = f.model.table
	}
	src, err := f.source(table)
	if err != nil {
		return nil, err
	}

	nDir := table.NumDiffusion()
	weighted := make([]float64, nVox*nDir)
	if src != nil {
		mulTo(weighted, src, f.Beta, nil)
	}

	out := make([][]float64, nVox)
	for v := range out {
		row := make([]float64, table.Len())
		k := 0
		for i := range row {
			if table.B0s[i] {
				row[i] = s0[v]
				continue
			}
			row[i] = (weighted[v*nDir+k] + f.MeanSignal[v]) * s0[v]
			k++
		}
		out[v] = row
	}
	return out, nil
}

// source returns the design blocks of table over the fitted voxels, or nil
// when table has no diffusion-weighted measurements. A memory mode fit
// rebuilds blocks on demand instead of assembling the operator.
func (f *FiberFit) source(table *gradients.Table) (BlockSource, error) {
	if table == f.model.table {
		return f.problem.Source(), nil
	}
	if table.NumDiffusion() == 0 || len(f.Voxels) == 0 {
		return nil, nil
	}
	signals, err := f.model.nodeSignals(table, f.problem)
	if err != nil {
		return nil, err
	}
	if f.model.opts.mode == ModeMemory {
		return NewStreamingBlocks(f.problem.Index, signals), nil
	}
	op, err := Assemble(context.Background(), f.problem.Index, signals, f.model.opts.workers)
	if err != nil {
		return nil, err
	}
	return op, nil
}
