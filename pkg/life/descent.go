package life

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/logging"
)

// SolverStatus says why the memory path stopped.
type SolverStatus int

const (
	// StatusConverged means the error improved before it stalled.
	StatusConverged SolverStatus = iota
	// StatusStalled means no check improved on the first one.
	StatusStalled
	// StatusIterationCap means the iteration cap was hit first.
	StatusIterationCap
)

// String implements fmt.Stringer
func (s SolverStatus) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusStalled:
		return "stalled"
	case StatusIterationCap:
		return "iteration-cap"
	default:
		return fmt.Sprintf("SolverStatus(%d)", int(s))
	}
}

// SolverReport summarizes an optimizer run.
type SolverReport struct {
	Iterations int
	Checks     int
	BestSSE    float64
	Status     SolverStatus
}

// DescentConfig parameterizes GradientDescent.
type DescentConfig struct {
	StepSize       float64
	CheckErrorIter int
	ConvergeOnSSE  float64
	MaxErrorChecks int
	MaxIterations  int
	Workers        int
	Progress       ProgressFunc
	Logger         *logging.Logger
}

// validate checks the settings GradientDescent divides or loops by.
func (c DescentConfig) validate() error {
	if !(c.StepSize > 0) || math.IsInf(c.StepSize, 0) {
		return fmt.Errorf("%w: step size %v must be positive", ErrInvalidOption, c.StepSize)
	}
	if c.CheckErrorIter < 2 {
		return fmt.Errorf("%w: check interval %d must be at least 2", ErrInvalidOption, c.CheckErrorIter)
	}
	if !(c.ConvergeOnSSE > 0 && c.ConvergeOnSSE <= 1) {
		return fmt.Errorf("%w: converge ratio %v must lie in (0, 1]", ErrInvalidOption, c.ConvergeOnSSE)
	}
	if c.MaxErrorChecks < 1 {
		return fmt.Errorf("%w: max error checks %d must be positive", ErrInvalidOption, c.MaxErrorChecks)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations %d must be positive", ErrInvalidOption, c.MaxIterations)
	}
	return nil
}

// descent owns every buffer of one gradient descent run.
type descent struct {
	src   BlockSource
	y     []float64
	cfg   DescentConfig
	parts []chunk

	beta  []float64
	best  []float64
	delta []float64
	yHat  []float64

	// per chunk
	partial [][]float64
	scratch []*mat.Dense
}

func newDescent(src BlockSource, y []float64, cfg DescentConfig) *descent {
	n := src.NumStreamlines()
	d := &descent{
		src:   src,
		y:     y,
		cfg:   cfg,
		parts: chunks(src.NumVoxels(), cfg.Workers),
		beta:  make([]float64, n),
		best:  make([]float64, n),
		delta: make([]float64, n),
		yHat:  make([]float64, len(y)),
	}
	d.partial = make([][]float64, len(d.parts))
	d.scratch = make([]*mat.Dense, len(d.parts))
	for c := range d.parts {
		d.partial[c] = make([]float64, n)
		d.scratch[c] = &mat.Dense{}
	}
	return d
}

// GradientDescent minimizes ||y - X beta||^2 subject to beta >= 0 by
// projected gradient descent over the voxel blocks of src.
//
// Every CheckErrorIter-th iteration (never the first) computes the full
// prediction and its squared error instead of stepping. A check whose error
// beats the lowest seen so far records beta as the best; if it also falls
// below ConvergeOnSSE times the last accepted error the stall counter is
// reset, otherwise it is incremented. The run ends when the counter reaches
// MaxErrorChecks or after MaxIterations, and returns the best beta.
//
// ctx is checked at every error check. A config out of range returns
// ErrInvalidOption.
func GradientDescent(ctx context.Context, src BlockSource, y []float64, cfg DescentConfig) ([]float64, SolverReport, error) {
	if err := cfg.validate(); err != nil {
		return nil, SolverReport{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoopLogger()
	}
	nDir := src.NumDirections()
	if len(y) != src.NumVoxels()*nDir {
		return nil, SolverReport{}, fmt.Errorf("%w: signal has %d rows, operator %d", ErrShapeMismatch, len(y), src.NumVoxels()*nDir)
	}

	report := SolverReport{BestSSE: sumSquares(y)}
	if src.NumStreamlines() == 0 {
		return []float64{}, report, nil
	}

	d := newDescent(src, y, cfg)
	progress := rate.Sometimes{First: 1, Interval: 2 * time.Second}

	var (
		ssMin     = math.Inf(1)
		sseBest   = math.Inf(1)
		countBad  int
		improved  int
		haveBest  bool
		iteration int
	)

	for iteration = 0; iteration < cfg.MaxIterations; iteration++ {
		if iteration == 0 || iteration%cfg.CheckErrorIter != 0 {
			if err := d.accumulate(ctx); err != nil {
				return nil, report, fmt.Errorf("life: gradient descent: %w", err)
			}
			d.step()
			if cfg.Progress != nil {
				cfg.Progress(iteration, d.beta)
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, report, fmt.Errorf("life: gradient descent: %w", err)
		}
		if err := d.predict(ctx); err != nil {
			return nil, report, fmt.Errorf("life: gradient descent: %w", err)
		}
		sse := d.sse()
		report.Checks++

		if sse < ssMin {
			ssMin = sse
			copy(d.best, d.beta)
			haveBest = true
			if sse < sseBest*cfg.ConvergeOnSSE {
				sseBest = sse
				countBad = 0
				improved++
			} else {
				countBad++
			}
		} else {
			countBad++
		}

		progress.Do(func() {
			logger.Debug("gradient descent check",
				"iteration", iteration, "sse", sse, "best_sse", ssMin, "stalls", countBad)
		})

		if countBad >= cfg.MaxErrorChecks {
			report.Iterations = iteration + 1
			report.BestSSE = ssMin
			report.Status = StatusConverged
			if improved <= 1 {
				report.Status = StatusStalled
				logger.Warn("gradient descent stalled without improving",
					"iteration", iteration, "sse", ssMin)
			} else {
				logger.Info("gradient descent converged",
					"iteration", iteration, "sse", ssMin, "checks", report.Checks)
			}
			return d.best, report, nil
		}
	}

	report.Iterations = iteration
	report.Status = StatusIterationCap
	if haveBest {
		report.BestSSE = ssMin
		logger.Warn("gradient descent hit the iteration cap", "iterations", iteration, "sse", ssMin)
		return d.best, report, nil
	}

	// no check ran; score the current weights
	if err := d.predict(ctx); err != nil {
		return nil, report, fmt.Errorf("life: gradient descent: %w", err)
	}
	report.BestSSE = d.sse()
	logger.Warn("gradient descent hit the iteration cap before any error check",
		"iterations", iteration, "sse", report.BestSSE)
	return d.beta, report, nil
}

// accumulate computes delta = X^T (X beta - y). Each chunk accumulates into
// its own buffer and the buffers are summed in chunk order.
func (d *descent) accumulate(ctx context.Context) error {
	nDir := d.src.NumDirections()
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(d.cfg.Workers, 1))

	for c, part := range d.parts {
		g.Go(func() error {
			acc := d.partial[c]
			for i := range acc {
				acc[i] = 0
			}
			resid := make([]float64, nDir)
			var grad mat.VecDense
			for v := part.lo; v < part.hi; v++ {
				block, cols := d.src.VoxelBlock(v, d.scratch[c])
				r := mat.NewVecDense(nDir, resid)
				r.MulVec(block, gather(d.beta, cols))
				r.SubVec(r, mat.NewVecDense(nDir, d.y[v*nDir:(v+1)*nDir]))

				grad.Reset()
				grad.MulVec(block.T(), r)
				for j, col := range cols {
					acc[col] += grad.AtVec(j)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range d.delta {
		d.delta[i] = 0
	}
	for _, acc := range d.partial {
		for i, v := range acc {
			d.delta[i] += v
		}
	}
	return nil
}

// step applies beta = max(0, beta - step*delta) and resets delta.
func (d *descent) step() {
	for i, g := range d.delta {
		b := d.beta[i] - d.cfg.StepSize*g
		if b < 0 || math.IsNaN(b) {
			b = 0
		}
		d.beta[i] = b
		d.delta[i] = 0
	}
}

// predict fills yHat with X beta. Chunks write disjoint rows.
func (d *descent) predict(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(d.cfg.Workers, 1))
	for c, part := range d.parts {
		g.Go(func() error {
			mulRangeTo(d.yHat, d.src, d.beta, d.scratch[c], part.lo, part.hi)
			return nil
		})
	}
	return g.Wait()
}

func (d *descent) sse() float64 {
	var s float64
	for i, y := range d.y {
		r := y - d.yHat[i]
		s += r * r
	}
	return s
}

func sumSquares(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return s
}
