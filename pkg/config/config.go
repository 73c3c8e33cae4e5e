// Package config provides configuration loading and management for dkilife.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"dkilife/pkg/gradients"
	"dkilife/pkg/ivim"
	"dkilife/pkg/life"
	"dkilife/pkg/logging"
	"dkilife/pkg/reconst"
	"dkilife/pkg/sphere"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many goroutines fit voxels in parallel
		Workers int `yaml:"workers"`
	} `yaml:"processing"`

	// Gradient table parameters
	Gradients struct {
		// B0Threshold is the largest b-value treated as a b0 measurement
		B0Threshold float64 `yaml:"b0Threshold"`
	} `yaml:"gradients"`

	// LiFE fiber model parameters
	Life struct {
		// Evals are the canonical single-fiber response eigenvalues in mm²/s
		Evals []float64 `yaml:"evals"`

		// Mode is "speed" (NNLS) or "memory" (projected gradient descent)
		Mode string `yaml:"mode"`

		// SpherePoints is the number of hemisphere points of the signal cache
		// sphere; the sphere holds twice as many vertices
		SpherePoints int `yaml:"spherePoints"`

		// ExactGradients bypasses the sphere and uses exact node gradients
		ExactGradients bool `yaml:"exactGradients"`

		// StepSize is the gradient step of the memory path
		StepSize float64 `yaml:"stepSize"`

		// CheckErrorIter is the number of iterations between error checks
		CheckErrorIter int `yaml:"checkErrorIter"`

		// ConvergeOnSSE is the improvement ratio a check must reach
		ConvergeOnSSE float64 `yaml:"convergeOnSSE"`

		// MaxErrorChecks is the number of failed checks that stops the fit
		MaxErrorChecks int `yaml:"maxErrorChecks"`

		// MaxIterations caps the memory path
		MaxIterations int `yaml:"maxIterations"`
	} `yaml:"life"`

	// Diffusion kurtosis parameters
	DKI struct {
		// FitMethod is OLS_DKI, ULLS_DKI, WLS_DKI or UWLLS_DKI
		FitMethod string `yaml:"fitMethod"`

		// MinSignal is the floor applied before taking the log signal
		MinSignal float64 `yaml:"minSignal"`
	} `yaml:"dki"`

	// IVIM parameters
	IVIM struct {
		// SplitB is the b-value above which perfusion is neglected
		SplitB float64 `yaml:"splitB"`

		// Method is "lm", "lbfgs" or "nelder-mead"
		Method string `yaml:"method"`

		// MaxIterations caps the optimizer
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the relative step that ends the optimizer
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"ivim"`

	// Cross-validation parameters
	XVal struct {
		// Folds is the number of folds; 0 disables cross-validation
		Folds int `yaml:"folds"`

		// Seed fixes the fold permutation
		Seed uint64 `yaml:"seed"`
	} `yaml:"xval"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// Format is text or json
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Output parameters
	Output struct {
		// Verbose controls the progress messages printed by the CLI
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()

	cfg.Gradients.B0Threshold = gradients.DefaultB0Threshold

	cfg.Life.Evals = append([]float64(nil), life.DefaultEvals[:]...)
	cfg.Life.Mode = life.ModeSpeed.String()
	cfg.Life.SpherePoints = sphere.DefaultHemispherePoints
	cfg.Life.StepSize = life.DefaultStepSize
	cfg.Life.CheckErrorIter = life.DefaultCheckErrorIter
	cfg.Life.ConvergeOnSSE = life.DefaultConvergeOnSSE
	cfg.Life.MaxErrorChecks = life.DefaultMaxErrorChecks
	cfg.Life.MaxIterations = life.DefaultMaxIterations

	cfg.DKI.FitMethod = "OLS_DKI"
	cfg.DKI.MinSignal = reconst.DefaultMinSignal

	cfg.IVIM.SplitB = ivim.DefaultSplitB
	cfg.IVIM.Method = ivim.LevenbergMarquardt.String()
	cfg.IVIM.MaxIterations = ivim.DefaultMaxIterations
	cfg.IVIM.Tolerance = ivim.DefaultTolerance

	cfg.XVal.Folds = 0
	cfg.XVal.Seed = 1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks the fields that the models do not validate themselves.
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return fmt.Errorf("%w: processing.workers must be positive, got %d", ErrInvalidConfig, c.Processing.Workers)
	}
	if len(c.Life.Evals) != 3 {
		return fmt.Errorf("%w: life.evals needs 3 values, got %d", ErrInvalidConfig, len(c.Life.Evals))
	}
	if c.Life.SpherePoints < 1 && !c.Life.ExactGradients {
		return fmt.Errorf("%w: life.spherePoints must be positive", ErrInvalidConfig)
	}
	if _, err := life.ParseMode(c.Life.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := reconst.ParseFitMethod(c.DKI.FitMethod); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := ivim.ParseMethod(c.IVIM.Method); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.XVal.Folds == 1 || c.XVal.Folds < 0 {
		return fmt.Errorf("%w: xval.folds must be 0 or at least 2, got %d", ErrInvalidConfig, c.XVal.Folds)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger(w io.Writer) (*logging.Logger, error) {
	return logging.New(w, c.Logging.Level, c.Logging.Format)
}

// TableOptions returns the gradient table options.
func (c *Config) TableOptions() []gradients.Option {
	return []gradients.Option{gradients.WithB0Threshold(c.Gradients.B0Threshold)}
}

// LifeOptions converts the life section into FiberModel options.
func (c *Config) LifeOptions(logger *logging.Logger) ([]life.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	mode, _ := life.ParseMode(c.Life.Mode)

	opts := []life.Option{
		life.WithEvals([3]float64{c.Life.Evals[0], c.Life.Evals[1], c.Life.Evals[2]}),
		life.WithMode(mode),
		life.WithStepSize(c.Life.StepSize),
		life.WithCheckErrorIter(c.Life.CheckErrorIter),
		life.WithConvergeOnSSE(c.Life.ConvergeOnSSE),
		life.WithMaxErrorChecks(c.Life.MaxErrorChecks),
		life.WithMaxIterations(c.Life.MaxIterations),
		life.WithWorkers(c.Processing.Workers),
	}
	if c.Life.ExactGradients {
		opts = append(opts, life.WithExactGradients())
	} else if c.Life.SpherePoints != sphere.DefaultHemispherePoints {
		s, err := sphere.Symmetric(c.Life.SpherePoints)
		if err != nil {
			return nil, err
		}
		opts = append(opts, life.WithSphere(s))
	}
	if logger != nil {
		opts = append(opts, life.WithLogger(logger))
	}
	return opts, nil
}

// ReconstOptions converts the dki section into tensor and kurtosis model
// options.
func (c *Config) ReconstOptions(logger *logging.Logger) ([]reconst.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	method, _ := reconst.ParseFitMethod(c.DKI.FitMethod)
	opts := []reconst.Option{
		reconst.WithFitMethod(method),
		reconst.WithMinSignal(c.DKI.MinSignal),
		reconst.WithWorkers(c.Processing.Workers),
	}
	if logger != nil {
		opts = append(opts, reconst.WithLogger(logger))
	}
	return opts, nil
}

// IVIMOptions converts the ivim section into model options.
func (c *Config) IVIMOptions(logger *logging.Logger) ([]ivim.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	method, _ := ivim.ParseMethod(c.IVIM.Method)
	opts := []ivim.Option{
		ivim.WithSplitB(c.IVIM.SplitB),
		ivim.WithMethod(method),
		ivim.WithMaxIterations(c.IVIM.MaxIterations),
		ivim.WithTolerance(c.IVIM.Tolerance),
		ivim.WithWorkers(c.Processing.Workers),
	}
	if logger != nil {
		opts = append(opts, ivim.WithLogger(logger))
	}
	return opts, nil
}
