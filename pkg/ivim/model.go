// Package ivim fits the intravoxel incoherent motion model
//
//	S(b) = S0 · (f·exp(-b·D*) + (1-f)·exp(-b·D))
//
// which separates pseudo-diffusion from perfusion (D*) and tissue
// diffusion (D) using low b-values.
package ivim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"dkilife/pkg/gradients"
	"dkilife/pkg/logging"
)

var (
	// ErrNoConvergence is returned when the optimizer exhausts its iterations.
	ErrNoConvergence = errors.New("ivim: fit did not converge")

	// ErrShapeMismatch is returned when a signal does not match the table.
	ErrShapeMismatch = errors.New("ivim: shape mismatch")

	// ErrTooFewMeasurements is returned when either side of the split b-value
	// has fewer than two usable measurements.
	ErrTooFewMeasurements = errors.New("ivim: too few measurements")

	// ErrInvalidOption is returned for out-of-range options.
	ErrInvalidOption = errors.New("ivim: invalid option")
)

// Params are the four IVIM parameters.
type Params struct {
	S0    float64
	F     float64
	DStar float64
	D     float64
}

// Signal evaluates the model at every b-value.
func Signal(p Params, bvals []float64) []float64 {
	out := make([]float64, len(bvals))
	for i, b := range bvals {
		out[i] = p.S0 * (p.F*math.Exp(-b*p.DStar) + (1-p.F)*math.Exp(-b*p.D))
	}
	return out
}

// Method selects the optimizer that refines the segmented estimate.
type Method int

const (
	// LevenbergMarquardt is damped Gauss-Newton on the residuals.
	LevenbergMarquardt Method = iota
	// LBFGS minimizes the squared error with gonum's L-BFGS.
	LBFGS
	// NelderMead minimizes the squared error with the gonum simplex method.
	NelderMead
)

func (m Method) String() string {
	switch m {
	case LevenbergMarquardt:
		return "lm"
	case LBFGS:
		return "lbfgs"
	case NelderMead:
		return "nelder-mead"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod resolves a method name.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "lm", "levenberg-marquardt":
		return LevenbergMarquardt, nil
	case "lbfgs":
		return LBFGS, nil
	case "nelder-mead":
		return NelderMead, nil
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrInvalidOption, s)
	}
}

// Default settings.
const (
	DefaultSplitB        = 200.0
	DefaultMaxIterations = 200
	DefaultTolerance     = 1e-12
)

type options struct {
	splitB    float64
	method    Method
	maxIter   int
	tolerance float64
	workers   int
	logger    *logging.Logger
}

// Option configures a Model.
type Option func(*options)

// WithSplitB sets the b-value above which perfusion is neglected when
// estimating the starting point.
func WithSplitB(b float64) Option {
	return func(o *options) {
		o.splitB = b
	}
}

// WithMethod selects the refining optimizer.
func WithMethod(m Method) Option {
	return func(o *options) {
		o.method = m
	}
}

// WithMaxIterations caps the optimizer iterations.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIter = n
	}
}

// WithTolerance sets the relative parameter step that ends the
// Levenberg-Marquardt loop.
func WithTolerance(tol float64) Option {
	return func(o *options) {
		o.tolerance = tol
	}
}

// WithWorkers sets how many voxels FitAll fits concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Model fits IVIM parameters voxel by voxel.
type Model struct {
	table *gradients.Table
	opts  options
	log   *logging.Logger
}

// NewModel checks that the table has at least two measurements on each
// side of the split b-value.
func NewModel(table *gradients.Table, opts ...Option) (*Model, error) {
	o := options{
		splitB:    DefaultSplitB,
		method:    LevenbergMarquardt,
		maxIter:   DefaultMaxIterations,
		tolerance: DefaultTolerance,
		workers:   1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case !(o.splitB > 0):
		return nil, fmt.Errorf("%w: split b-value %v", ErrInvalidOption, o.splitB)
	case o.maxIter < 1:
		return nil, fmt.Errorf("%w: max iterations %d", ErrInvalidOption, o.maxIter)
	case !(o.tolerance > 0):
		return nil, fmt.Errorf("%w: tolerance %v", ErrInvalidOption, o.tolerance)
	case o.method < LevenbergMarquardt || o.method > NelderMead:
		return nil, fmt.Errorf("%w: %v", ErrInvalidOption, o.method)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.logger == nil {
		o.logger = logging.NoopLogger()
	}

	var low, high int
	for _, b := range table.Bvals {
		if b > o.splitB {
			high++
		} else {
			low++
		}
	}
	if low < 2 || high < 2 || table.Len() < 4 {
		return nil, fmt.Errorf("%w: %d at or below b=%v, %d above", ErrTooFewMeasurements, low, o.splitB, high)
	}

	return &Model{
		table: table,
		opts:  o,
		log:   o.logger.WithComponent("ivim").WithFields("method", o.method.String()),
	}, nil
}

// Fit is the result for one voxel.
type Fit struct {
	Params
	Iterations int
	SSE        float64
}

// Predict returns the fitted signal on table with baseline s0.
func (f *Fit) Predict(table *gradients.Table, s0 float64) []float64 {
	p := f.Params
	p.S0 = s0
	return Signal(p, table.Bvals)
}

// Fit estimates the parameters of one voxel: a segmented log-linear fit
// gives the starting point, which the configured optimizer then refines.
func (m *Model) Fit(signal []float64) (*Fit, error) {
	if len(signal) != m.table.Len() {
		return nil, fmt.Errorf("%w: signal has %d values, table has %d", ErrShapeMismatch, len(signal), m.table.Len())
	}
	p0, err := m.initialGuess(signal)
	if err != nil {
		return nil, err
	}

	var fit *Fit
	switch m.opts.method {
	case LevenbergMarquardt:
		fit, err = m.levenbergMarquardt(signal, p0)
	default:
		fit, err = m.minimize(signal, p0)
	}
	if err != nil {
		return nil, err
	}
	m.log.Debug("voxel fitted", "iterations", fit.Iterations, "sse", fit.SSE)
	return fit, nil
}

// FitAll fits every row of data.
func (m *Model) FitAll(ctx context.Context, data [][]float64) ([]*Fit, error) {
	out := make([]*Fit, len(data))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.workers)
	for i := range data {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := m.Fit(data[i])
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
	m.log.Info("ivim fit complete", "voxels", len(data))
	return out, nil
}
