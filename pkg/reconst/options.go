package reconst

import (
	"fmt"
	"math"
	"strings"

	"dkilife/pkg/logging"
)

// FitMethod selects the linear estimator used on the log signal.
type FitMethod int

const (
	// OLS is ordinary least squares on the log signal.
	OLS FitMethod = iota
	// WLS reweights each measurement by its OLS-predicted signal.
	WLS
)

func (m FitMethod) String() string {
	switch m {
	case OLS:
		return "OLS"
	case WLS:
		return "WLS"
	default:
		return fmt.Sprintf("FitMethod(%d)", int(m))
	}
}

// ParseFitMethod resolves a method name. The historical names OLS_DKI,
// ULLS_DKI, WLS_DKI and UWLLS_DKI are accepted alongside OLS and WLS.
func ParseFitMethod(s string) (FitMethod, error) {
	switch strings.ToUpper(s) {
	case "", "OLS", "LS", "OLS_DKI", "ULLS_DKI":
		return OLS, nil
	case "WLS", "WLS_DKI", "UWLLS_DKI":
		return WLS, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFitMethod, s)
	}
}

const (
	// DefaultMinSignal is the floor applied to measurements before the log.
	DefaultMinSignal = 1e-4

	// diffusivityTolerance scales the eigenvalue floor: the smallest
	// eigenvalue kept is diffusivityTolerance / -min(B).
	diffusivityTolerance = 1e-6
)

type config struct {
	method    FitMethod
	minSignal float64
	workers   int
	logger    *logging.Logger
}

func newConfig(opts []Option) (config, error) {
	c := config{method: OLS, minSignal: DefaultMinSignal, workers: 1}
	for _, opt := range opts {
		opt(&c)
	}
	if !(c.minSignal > 0) || math.IsInf(c.minSignal, 0) {
		return c, fmt.Errorf("%w: %v", ErrMinSignal, c.minSignal)
	}
	if c.method != OLS && c.method != WLS {
		return c, fmt.Errorf("%w: %v", ErrUnknownFitMethod, c.method)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.logger == nil {
		c.logger = logging.NoopLogger()
	}
	return c, nil
}

// Option configures a tensor or kurtosis model.
type Option func(*config)

// WithFitMethod selects OLS or WLS.
func WithFitMethod(m FitMethod) Option {
	return func(c *config) {
		c.method = m
	}
}

// WithMinSignal sets the signal floor. It must be positive.
func WithMinSignal(v float64) Option {
	return func(c *config) {
		c.minSignal = v
	}
}

// WithWorkers sets how many voxels FitAll fits concurrently.
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
