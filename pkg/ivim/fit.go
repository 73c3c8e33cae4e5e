package ivim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

const (
	nParams   = 4
	maxLambda = 1e16
	minLambda = 1e-15
)

func (p Params) vector() []float64 { return []float64{p.S0, p.F, p.DStar, p.D} }

func paramsOf(x []float64) Params { return Params{S0: x[0], F: x[1], DStar: x[2], D: x[3]} }

// residuals writes signal - model into r and returns the squared error.
func residuals(r, signal, bvals, p []float64) float64 {
	var sse float64
	for i, b := range bvals {
		m := p[0] * (p[1]*math.Exp(-b*p[2]) + (1-p[1])*math.Exp(-b*p[3]))
		r[i] = signal[i] - m
		sse += r[i] * r[i]
	}
	return sse
}

// jacobian writes the partial derivatives of the model into jac.
func jacobian(jac *mat.Dense, bvals, p []float64) {
	s0, f, dStar, d := p[0], p[1], p[2], p[3]
	for i, b := range bvals {
		e1 := math.Exp(-b * dStar)
		e2 := math.Exp(-b * d)
		jac.Set(i, 0, f*e1+(1-f)*e2)
		jac.Set(i, 1, s0*(e1-e2))
		jac.Set(i, 2, -s0*f*b*e1)
		jac.Set(i, 3, -s0*(1-f)*b*e2)
	}
}

// initialGuess fits log S linearly above the split b-value to get D and the
// tissue intercept, then fits the log of the remaining low-b excess to get
// D*.
func (m *Model) initialGuess(signal []float64) (Params, error) {
	t := m.table

	var s0 float64
	var nb0 int
	for i, isB0 := range t.B0s {
		if isB0 {
			s0 += signal[i]
			nb0++
		}
	}
	if nb0 > 0 {
		s0 /= float64(nb0)
	} else {
		s0 = signal[floats.MinIdx(t.Bvals)]
	}

	var hx, hy []float64
	for i, b := range t.Bvals {
		if b > m.opts.splitB && signal[i] > 0 {
			hx = append(hx, b)
			hy = append(hy, math.Log(signal[i]))
		}
	}
	if len(hx) < 2 || !(s0 > 0) {
		return Params{}, fmt.Errorf("%w: %d positive measurements above b=%v", ErrTooFewMeasurements, len(hx), m.opts.splitB)
	}
	alpha, beta := stat.LinearRegression(hx, hy, nil, false)
	d := -beta
	tissue := math.Exp(alpha)
	if !(d > 0) {
		d = 1e-4
	}

	f := 1 - tissue/s0
	f = math.Min(math.Max(f, 1e-3), 0.999)

	var lx, ly []float64
	for i, b := range t.Bvals {
		if b > m.opts.splitB {
			continue
		}
		if excess := signal[i] - tissue*math.Exp(-b*d); excess > 0 {
			lx = append(lx, b)
			ly = append(ly, math.Log(excess))
		}
	}
	dStar := 10 * d
	if len(lx) >= 2 {
		_, slope := stat.LinearRegression(lx, ly, nil, false)
		if -slope > d {
			dStar = -slope
		}
	}

	return Params{S0: s0, F: f, DStar: dStar, D: d}, nil
}

// levenbergMarquardt refines p0 with Marquardt-scaled damping. A step that
// no damping can make descending ends the loop at a minimum.
func (m *Model) levenbergMarquardt(signal []float64, p0 Params) (*Fit, error) {
	bvals := m.table.Bvals
	n := len(bvals)
	energy := floats.Dot(signal, signal)

	p := p0.vector()
	trial := make([]float64, nParams)
	r := make([]float64, n)
	tr := make([]float64, n)
	cur := residuals(r, signal, bvals, p)

	jac := mat.NewDense(n, nParams, nil)
	damped := mat.NewSymDense(nParams, nil)
	var (
		jtj  mat.SymDense
		jtr  mat.VecDense
		step mat.VecDense
		chol mat.Cholesky
	)

	lambda := 1e-3
	for it := 1; it <= m.opts.maxIter; it++ {
		jacobian(jac, bvals, p)
		jtj.SymOuterK(1, jac.T())
		jtr.MulVec(jac.T(), mat.NewVecDense(n, r))

		next := math.Inf(1)
		for ; lambda <= maxLambda; lambda *= 10 {
			damped.CopySym(&jtj)
			for i := 0; i < nParams; i++ {
				damped.SetSym(i, i, jtj.At(i, i)*(1+lambda))
			}
			if ok := chol.Factorize(damped); !ok {
				continue
			}
			if err := chol.SolveVecTo(&step, &jtr); err != nil {
				continue
			}
			for i := range trial {
				trial[i] = p[i] + step.AtVec(i)
			}
			if sse := residuals(tr, signal, bvals, trial); sse < cur {
				next = sse
				break
			}
		}
		if math.IsInf(next, 1) {
			return &Fit{Params: paramsOf(p), Iterations: it, SSE: cur}, nil
		}

		var rel float64
		for i := range p {
			rel = math.Max(rel, math.Abs(step.AtVec(i))/math.Max(math.Abs(p[i]), math.SmallestNonzeroFloat64))
		}
		copy(p, trial)
		copy(r, tr)
		cur = next
		lambda = math.Max(lambda/10, minLambda)

		if rel < m.opts.tolerance || cur <= 1e-28*energy {
			return &Fit{Params: paramsOf(p), Iterations: it, SSE: cur}, nil
		}
	}
	return nil, fmt.Errorf("%w: %d iterations, sse %g", ErrNoConvergence, m.opts.maxIter, cur)
}

// minimize refines p0 with a gonum optimizer on parameters scaled by p0, so
// every coordinate starts at 1.
func (m *Model) minimize(signal []float64, p0 Params) (*Fit, error) {
	bvals := m.table.Bvals
	n := len(bvals)
	energy := floats.Dot(signal, signal)

	scale := p0.vector()
	for i, s := range scale {
		if s == 0 {
			scale[i] = 1
		}
	}
	p := make([]float64, nParams)
	r := make([]float64, n)
	jac := mat.NewDense(n, nParams, nil)
	unscale := func(x []float64) {
		for i := range p {
			p[i] = x[i] * scale[i]
		}
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			unscale(x)
			return residuals(r, signal, bvals, p)
		},
		Grad: func(grad, x []float64) {
			unscale(x)
			residuals(r, signal, bvals, p)
			jacobian(jac, bvals, p)
			for j := 0; j < nParams; j++ {
				var g float64
				for i := 0; i < n; i++ {
					g += jac.At(i, j) * r[i]
				}
				grad[j] = -2 * scale[j] * g
			}
		},
	}

	var method optimize.Method
	switch m.opts.method {
	case LBFGS:
		method = &optimize.LBFGS{}
	default:
		method = &optimize.NelderMead{}
	}

	x0 := []float64{1, 1, 1, 1}
	start := problem.Func(x0)
	settings := &optimize.Settings{
		MajorIterations: m.opts.maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-16 * energy,
			Iterations: 50,
		},
	}
	res, err := optimize.Minimize(problem, x0, settings, method)
	if res == nil || math.IsNaN(res.F) || res.F > start {
		return nil, fmt.Errorf("%w: %v", ErrNoConvergence, err)
	}
	if res.Status == optimize.IterationLimit {
		return nil, fmt.Errorf("%w: %d iterations, sse %g", ErrNoConvergence, res.MajorIterations, res.F)
	}
	if err != nil {
		// line searches fail close to an exact minimum; the best point stands
		m.log.Debug("optimizer stopped early", "status", res.Status.String(), "err", err)
	}

	unscale(res.X)
	return &Fit{Params: paramsOf(p), Iterations: res.MajorIterations, SSE: res.F}, nil
}
