package life

import (
	"fmt"
	"math"
	"strings"

	"dkilife/pkg/logging"
	"dkilife/pkg/sphere"
)

// Mode selects the optimizer used by FiberModel.Fit.
type Mode int

const (
	// ModeSpeed assembles the whole design operator and solves NNLS in one shot.
	ModeSpeed Mode = iota
	// ModeMemory rebuilds voxel blocks on every pass and runs projected
	// gradient descent.
	ModeMemory
)

// String implements fmt.Stringer
func (m Mode) String() string {
	switch m {
	case ModeSpeed:
		return "speed"
	case ModeMemory:
		return "memory"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts "speed" or "memory" into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "speed", "":
		return ModeSpeed, nil
	case "memory":
		return ModeMemory, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidOption, s)
	}
}

// ProgressFunc observes the weights after every gradient step of the memory
// path. beta must not be retained or modified.
type ProgressFunc func(iteration int, beta []float64)

// Defaults
const (
	DefaultStepSize       = 0.01
	DefaultCheckErrorIter = 5
	DefaultConvergeOnSSE  = 0.8
	DefaultMaxErrorChecks = 5
	DefaultMaxIterations  = 10000
)

// DefaultEvals are the eigenvalues of the canonical single-fiber response.
var DefaultEvals = [3]float64{0.001, 0, 0}

// options holds the FiberModel configuration.
type options struct {
	evals          [3]float64
	sphere         *sphere.Sphere
	exact          bool
	mode           Mode
	stepSize       float64
	checkErrorIter int
	convergeOnSSE  float64
	maxErrorChecks int
	maxIterations  int
	workers        int
	logger         *logging.Logger
	progress       ProgressFunc
}

func defaultOptions() options {
	return options{
		evals:          DefaultEvals,
		mode:           ModeSpeed,
		stepSize:       DefaultStepSize,
		checkErrorIter: DefaultCheckErrorIter,
		convergeOnSSE:  DefaultConvergeOnSSE,
		maxErrorChecks: DefaultMaxErrorChecks,
		maxIterations:  DefaultMaxIterations,
		workers:        1,
	}
}

func (o *options) validate() error {
	for i, e := range o.evals {
		if math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
			return fmt.Errorf("%w: eigenvalue %d is %v", ErrInvalidOption, i, e)
		}
	}
	if o.evals == [3]float64{} {
		return fmt.Errorf("%w: all eigenvalues are zero", ErrInvalidOption)
	}
	if o.mode != ModeSpeed && o.mode != ModeMemory {
		return fmt.Errorf("%w: %v", ErrInvalidOption, o.mode)
	}
	if err := o.descentConfig(nil).validate(); err != nil {
		return err
	}
	if o.workers < 1 {
		return fmt.Errorf("%w: workers %d must be positive", ErrInvalidOption, o.workers)
	}
	return nil
}

// descentConfig carries the memory path settings of o.
func (o *options) descentConfig(logger *logging.Logger) DescentConfig {
	return DescentConfig{
		StepSize:       o.stepSize,
		CheckErrorIter: o.checkErrorIter,
		ConvergeOnSSE:  o.convergeOnSSE,
		MaxErrorChecks: o.maxErrorChecks,
		MaxIterations:  o.maxIterations,
		Workers:        o.workers,
		Progress:       o.progress,
		Logger:         logger,
	}
}

// Option configures a FiberModel.
type Option func(*options)

// WithEvals sets the canonical response eigenvalues.
func WithEvals(evals [3]float64) Option {
	return func(o *options) {
		o.evals = evals
	}
}

// WithSphere sets the sphere used to cache node signals. Defaults to
// sphere.Default().
func WithSphere(s *sphere.Sphere) Option {
	return func(o *options) {
		o.sphere = s
		o.exact = false
	}
}

// WithExactGradients disables the sphere cache; node signals are computed
// from the exact streamline gradients.
func WithExactGradients() Option {
	return func(o *options) {
		o.exact = true
	}
}

// WithMode selects the optimizer.
func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithStepSize sets the gradient step of the memory path.
func WithStepSize(step float64) Option {
	return func(o *options) {
		o.stepSize = step
	}
}

// WithCheckErrorIter sets how many iterations pass between error checks.
func WithCheckErrorIter(n int) Option {
	return func(o *options) {
		o.checkErrorIter = n
	}
}

// WithConvergeOnSSE sets the improvement ratio an error check must reach
// for the fit to count as still converging.
func WithConvergeOnSSE(ratio float64) Option {
	return func(o *options) {
		o.convergeOnSSE = ratio
	}
}

// WithMaxErrorChecks sets how many failed checks end the memory path.
func WithMaxErrorChecks(n int) Option {
	return func(o *options) {
		o.maxErrorChecks = n
	}
}

// WithMaxIterations caps the memory path regardless of convergence.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIterations = n
	}
}

// WithWorkers sets how many goroutines process voxels in parallel.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithProgress registers an observer for the memory path.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}
