// Package xval cross-validates voxel-wise diffusion models: diffusion
// measurements are split into folds, each fold is predicted from a model fit
// to the others, and the predictions are scored against the data.
package xval

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"dkilife/pkg/gradients"
	"dkilife/pkg/ivim"
	"dkilife/pkg/logging"
	"dkilife/pkg/reconst"
)

var (
	// ErrFoldMismatch is returned when the fold count does not divide the
	// diffusion-weighted measurements evenly.
	ErrFoldMismatch = errors.New("xval: folds must divide the diffusion-weighted measurements")

	// ErrShapeMismatch is returned when a voxel does not match the table.
	ErrShapeMismatch = errors.New("xval: shape mismatch")
)

// Predictor predicts the signal of a fitted voxel on any gradient table.
type Predictor interface {
	Predict(table *gradients.Table, s0 float64) []float64
}

// Fitter fits one voxel measured on table.
type Fitter interface {
	Fit(table *gradients.Table, signal []float64) (Predictor, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(table *gradients.Table, signal []float64) (Predictor, error)

// Fit calls f.
func (f FitterFunc) Fit(table *gradients.Table, signal []float64) (Predictor, error) {
	return f(table, signal)
}

// TensorFitter fits a reconst.TensorModel per fold.
func TensorFitter(opts ...reconst.Option) Fitter {
	return FitterFunc(func(table *gradients.Table, signal []float64) (Predictor, error) {
		m, err := reconst.NewTensorModel(table, opts...)
		if err != nil {
			return nil, err
		}
		fit, err := m.Fit(signal)
		if err != nil {
			return nil, err
		}
		return fit, nil
	})
}

// DKIFitter fits a reconst.DKIModel per fold.
func DKIFitter(opts ...reconst.Option) Fitter {
	return FitterFunc(func(table *gradients.Table, signal []float64) (Predictor, error) {
		m, err := reconst.NewDKIModel(table, opts...)
		if err != nil {
			return nil, err
		}
		fit, err := m.Fit(signal)
		if err != nil {
			return nil, err
		}
		return fit, nil
	})
}

// IVIMFitter fits an ivim.Model per fold.
func IVIMFitter(opts ...ivim.Option) Fitter {
	return FitterFunc(func(table *gradients.Table, signal []float64) (Predictor, error) {
		m, err := ivim.NewModel(table, opts...)
		if err != nil {
			return nil, err
		}
		fit, err := m.Fit(signal)
		if err != nil {
			return nil, err
		}
		return fit, nil
	})
}

type config struct {
	seed    uint64
	hasSeed bool
	workers int
	logger  *logging.Logger
}

// Option configures KFold.
type Option func(*config)

// WithSeed fixes the fold permutation.
func WithSeed(seed uint64) Option {
	return func(c *config) {
		c.seed = seed
		c.hasSeed = true
	}
}

// WithWorkers sets how many voxels are cross-validated concurrently.
func WithWorkers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

type fold struct {
	train *gradients.Table
	test  *gradients.Table
	keep  []bool // over all measurements
	out   []int  // positions in the diffusion-weighted output
}

// KFold predicts every diffusion-weighted measurement of every voxel from a
// model fit without it. The b0 measurements are kept in every training set
// and their mean is the baseline passed to Predict. Row v of the result
// holds the predictions for data[v] in diffusion-weighted order.
func KFold(ctx context.Context, fitter Fitter, table *gradients.Table, data [][]float64, folds int, opts ...Option) ([][]float64, error) {
	cfg := config{workers: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	if cfg.logger == nil {
		cfg.logger = logging.NoopLogger()
	}

	nDW := table.NumDiffusion()
	if folds < 2 || nDW%folds != 0 {
		return nil, fmt.Errorf("%w: %d measurements into %d folds", ErrFoldMismatch, nDW, folds)
	}
	for v, row := range data {
		if len(row) != table.Len() {
			return nil, fmt.Errorf("%w: voxel %d has %d values, table has %d", ErrShapeMismatch, v, len(row), table.Len())
		}
	}

	var rng *rand.Rand
	if cfg.hasSeed {
		rng = rand.New(rand.NewPCG(cfg.seed, 0))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	plan, err := planFolds(table, folds, rng.Perm(nDW))
	if err != nil {
		return nil, err
	}

	log := cfg.logger.WithComponent("xval").WithFields("folds", folds)
	log.Debug("cross-validating", "voxels", len(data), "measurements", nDW)

	out := make([][]float64, len(data))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for v := range data {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pred, err := crossValidate(fitter, table, plan, data[v], nDW)
			if err != nil {
				return fmt.Errorf("voxel %d: %w", v, err)
			}
			out[v] = pred
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// planFolds splits the diffusion-weighted measurements, in the order given
// by perm, into equally sized folds.
func planFolds(table *gradients.Table, folds int, perm []int) ([]fold, error) {
	dwIndex := make([]int, 0, table.NumDiffusion())
	for i, b0 := range table.B0s {
		if !b0 {
			dwIndex = append(dwIndex, i)
		}
	}

	size := len(dwIndex) / folds
	plan := make([]fold, folds)
	for k := range plan {
		keep := make([]bool, table.Len())
		for i := range keep {
			keep[i] = true
		}
		leftOut := make([]bool, table.Len())
		out := perm[k*size : (k+1)*size]
		for _, j := range out {
			keep[dwIndex[j]] = false
			leftOut[dwIndex[j]] = true
		}

		train, err := table.Subset(keep)
		if err != nil {
			return nil, err
		}
		test, err := table.Subset(leftOut)
		if err != nil {
			return nil, err
		}
		// the test table lists measurements in table order
		sorted := make([]int, 0, size)
		for j, i := range dwIndex {
			if leftOut[i] {
				sorted = append(sorted, j)
			}
		}
		plan[k] = fold{train: train, test: test, keep: keep, out: sorted}
	}
	return plan, nil
}

func crossValidate(fitter Fitter, table *gradients.Table, plan []fold, signal []float64, nDW int) ([]float64, error) {
	var s0 float64
	var nb0 int
	for i, b0 := range table.B0s {
		if b0 {
			s0 += signal[i]
			nb0++
		}
	}
	if nb0 > 0 {
		s0 /= float64(nb0)
	}

	pred := make([]float64, nDW)
	for k, f := range plan {
		train := make([]float64, 0, f.train.Len())
		for i, kept := range f.keep {
			if kept {
				train = append(train, signal[i])
			}
		}
		p, err := fitter.Fit(f.train, train)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", k, err)
		}
		for j, v := range p.Predict(f.test, s0) {
			pred[f.out[j]] = v
		}
	}
	return pred, nil
}

// CoeffOfDetermination returns 100·R² of model against data.
func CoeffOfDetermination(data, model []float64) float64 {
	return 100 * stat.RSquaredFrom(model, data, nil)
}
