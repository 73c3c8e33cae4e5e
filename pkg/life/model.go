// Package life implements the Linear Fascicle Evaluation model: candidate
// streamlines are scored by how well a non-negative combination of their
// predicted diffusion signals explains the measured signal in every voxel
// they cross.
package life

import (
	"context"
	"fmt"

	"dkilife/internal/models"
	"dkilife/pkg/gradients"
	"dkilife/pkg/logging"
	"dkilife/pkg/sphere"
)

// minB0Signal is the smallest mean b0 signal accepted for normalization.
const minB0Signal = 1e-10

// FiberModel fits streamline weights to diffusion data.
type FiberModel struct {
	table  *gradients.Table
	opts   options
	logger *logging.Logger
}

// NewFiberModel validates the gradient table and options.
func NewFiberModel(table *gradients.Table, opts ...Option) (*FiberModel, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil gradient table", ErrInvalidOption)
	}
	if table.NumB0() == 0 {
		return nil, ErrMissingB0
	}
	if table.NumDiffusion() == 0 {
		return nil, ErrNoDiffusionWeighting
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if !o.exact && o.sphere == nil {
		o.sphere = sphere.Default()
	}
	if o.logger == nil {
		o.logger = logging.NoopLogger()
	}

	return &FiberModel{
		table:  table,
		opts:   o,
		logger: o.logger.WithComponent("life").WithMode(o.mode),
	}, nil
}

// Mode returns the optimizer the model uses
func (m *FiberModel) Mode() Mode { return m.opts.mode }

// Table returns the training gradient table
func (m *FiberModel) Table() *gradients.Table { return m.table }

// Problem is the geometry of one fit: the transformed streamlines, the
// voxel index and the node signals. In speed mode it also carries the
// assembled operator.
type Problem struct {
	Streamlines []models.Streamline
	Affine      models.Affine
	Index       *VoxelIndex
	Signals     NodeSignals
	Operator    *DesignOperator

	closest [][]int
	grads   [][]models.Point
}

// Source returns the block source of the training operator.
func (p *Problem) Source() BlockSource {
	if p.Operator != nil {
		return p.Operator
	}
	return NewStreamingBlocks(p.Index, p.Signals)
}

// Setup transforms the streamlines, indexes them and computes their node
// signals on the training table.
func (m *FiberModel) Setup(ctx context.Context, streamlines []models.Streamline, affine *models.Affine) (*Problem, error) {
	p := &Problem{Affine: models.Identity()}
	if affine != nil {
		p.Affine = *affine
	}
	p.Streamlines = TransformStreamlines(streamlines, affine)

	grads, err := allGradients(p.Streamlines)
	if err != nil {
		return nil, err
	}
	if m.opts.exact {
		p.grads = grads
	} else {
		p.closest = closestVertices(grads, m.opts.sphere)
	}
	p.Index = NewVoxelIndex(p.Streamlines)

	p.Signals, err = m.nodeSignals(m.table, p)
	if err != nil {
		return nil, err
	}

	if m.opts.mode == ModeSpeed {
		p.Operator, err = Assemble(ctx, p.Index, p.Signals, m.opts.workers)
		if err != nil {
			return nil, fmt.Errorf("life: assembling operator: %w", err)
		}
	}
	return p, nil
}

// nodeSignals builds the node signals of p on table.
func (m *FiberModel) nodeSignals(table *gradients.Table, p *Problem) (NodeSignals, error) {
	if m.opts.exact {
		return newExactSignals(table, m.opts.evals, p.grads)
	}
	cache, err := NewSignalCache(table, m.opts.evals, m.opts.sphere)
	if err != nil {
		return nil, err
	}
	return &vertexSignals{cache: cache, closest: p.closest}, nil
}

// voxelSignals is the measured signal of the fitted voxels.
type voxelSignals struct {
	toFit    []float64
	weighted [][]float64
	relative [][]float64
	voxData  [][]float64
	b0       []float64
	mean     []float64
}

// fitSignals extracts the voxels from data and normalizes them: every
// diffusion-weighted value is divided by the voxel's mean b0 signal and the
// voxel's mean relative signal is subtracted.
func (m *FiberModel) fitSignals(data Volume, voxels []models.Voxel) (*voxelSignals, error) {
	dims := data.Dims()
	nMeas := m.table.Len()
	nDir := m.table.NumDiffusion()
	nB0 := float64(m.table.NumB0())

	out := &voxelSignals{
		toFit:    make([]float64, len(voxels)*nDir),
		weighted: make([][]float64, len(voxels)),
		relative: make([][]float64, len(voxels)),
		voxData:  make([][]float64, len(voxels)),
		b0:       make([]float64, len(voxels)),
		mean:     make([]float64, len(voxels)),
	}

	for v, vox := range voxels {
		if vox.X < 0 || vox.Y < 0 || vox.Z < 0 || vox.X >= dims[0] || vox.Y >= dims[1] || vox.Z >= dims[2] {
			return nil, fmt.Errorf("%w: %v in volume %v", ErrVoxelOutOfBounds, vox, dims[:3])
		}

		raw := make([]float64, nMeas)
		weighted := make([]float64, 0, nDir)
		var b0 float64
		for g := 0; g < nMeas; g++ {
			raw[g] = data.At(vox.X, vox.Y, vox.Z, g)
			if m.table.B0s[g] {
				b0 += raw[g]
			} else {
				weighted = append(weighted, raw[g])
			}
		}
		b0 /= nB0
		if !(b0 > minB0Signal) {
			return nil, fmt.Errorf("%w: voxel %v has mean b0 %v", ErrZeroB0Signal, vox, b0)
		}

		rel := make([]float64, nDir)
		var mean float64
		for i, w := range weighted {
			rel[i] = w / b0
			mean += rel[i]
		}
		mean /= float64(nDir)

		row := out.toFit[v*nDir : (v+1)*nDir]
		for i, r := range rel {
			row[i] = r - mean
		}

		out.weighted[v] = weighted
		out.relative[v] = rel
		out.voxData[v] = raw
		out.b0[v] = b0
		out.mean[v] = mean
	}
	return out, nil
}

// Fit estimates one non-negative weight per streamline. affine maps
// streamline coordinates into voxel indices of data; nil means identity.
func (m *FiberModel) Fit(ctx context.Context, data Volume, streamlines []models.Streamline, affine *models.Affine) (*FiberFit, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil volume", ErrShapeMismatch)
	}
	if dims := data.Dims(); dims[3] != m.table.Len() {
		return nil, fmt.Errorf("%w: volume has %d measurements, gradient table %d", ErrShapeMismatch, dims[3], m.table.Len())
	}

	p, err := m.Setup(ctx, streamlines, affine)
	if err != nil {
		return nil, err
	}
	if len(streamlines) > 0 && p.Index.NumVoxels() == 0 {
		return nil, ErrEmptyVoxelSet
	}

	log := m.logger.WithProblem(p.Index.NumVoxels(), len(streamlines))
	log.Debug("fit setup done", "pairs", p.Index.Pairs())

	sig, err := m.fitSignals(data, p.Index.Voxels)
	if err != nil {
		return nil, err
	}

	var (
		beta   []float64
		report SolverReport
	)
	switch m.opts.mode {
	case ModeSpeed:
		beta, report, err = SolveNNLS(ctx, p.Source(), sig.toFit, m.opts.workers)
	case ModeMemory:
		beta, report, err = GradientDescent(ctx, p.Source(), sig.toFit, m.opts.descentConfig(log))
	}
	if err != nil {
		return nil, err
	}

	log.Info("fit done", "status", report.Status.String(), "sse", report.BestSSE, "iterations", report.Iterations)

	return &FiberFit{
		Beta:           beta,
		Voxels:         p.Index.Voxels,
		Affine:         p.Affine,
		Evals:          m.opts.evals,
		Streamlines:    p.Streamlines,
		FitSignal:      sig.toFit,
		WeightedSignal: sig.weighted,
		RelativeSignal: sig.relative,
		MeanSignal:     sig.mean,
		B0Signal:       sig.b0,
		VoxelData:      sig.voxData,
		Report:         report,
		model:          m,
		problem:        p,
	}, nil
}
