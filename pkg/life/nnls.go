package life

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// nnlsTolerance bounds the projected gradient relative to ||X^T y||.
	nnlsTolerance = 1e-10
	// nnlsFloor is the projected gradient accepted once no step helps.
	nnlsFloor      = 1e-6
	armijo         = 1e-4
	maxBacktracks  = 60
	maxProjections = 5
)

// SolveNNLS minimizes ||y - X beta||^2 subject to beta >= 0 over the voxel
// blocks of src. Each iteration takes projected gradient steps until the set
// of zero weights settles, then runs conjugate gradients on the positive
// weights and projects the result back onto the bound. Only products with X
// and X^T are formed, so an iteration costs O(nnz) and no streamline by
// streamline matrix is built.
//
// The run converges when every weight meets the KKT conditions within a
// tolerance relative to ||X^T y||. It stalls when no step lowers the error
// first. workers splits the products over voxel chunks; the result depends
// only on src, y and workers.
func SolveNNLS(ctx context.Context, src BlockSource, y []float64, workers int) ([]float64, SolverReport, error) {
	nDir := src.NumDirections()
	if len(y) != src.NumVoxels()*nDir {
		return nil, SolverReport{}, fmt.Errorf("%w: signal has %d rows, operator %d", ErrShapeMismatch, len(y), src.NumVoxels()*nDir)
	}

	report := SolverReport{BestSSE: sumSquares(y)}
	if src.NumStreamlines() == 0 {
		return []float64{}, report, nil
	}

	s := newNNLS(src, y, workers)
	if err := s.run(ctx, &report); err != nil {
		return nil, report, fmt.Errorf("life: nnls: %w", err)
	}
	return s.beta, report, nil
}

// blockProducts forms X p and X^T r chunk by chunk. Chunks write disjoint
// rows of X p; X^T r sums one buffer per chunk in chunk order.
type blockProducts struct {
	src     BlockSource
	workers int
	parts   []chunk
	partial [][]float64
	scratch []*mat.Dense
}

func newBlockProducts(src BlockSource, workers int) *blockProducts {
	b := &blockProducts{
		src:     src,
		workers: max(workers, 1),
		parts:   chunks(src.NumVoxels(), workers),
	}
	b.partial = make([][]float64, len(b.parts))
	b.scratch = make([]*mat.Dense, len(b.parts))
	for c := range b.parts {
		b.partial[c] = make([]float64, src.NumStreamlines())
		b.scratch[c] = &mat.Dense{}
	}
	return b
}

func (b *blockProducts) mul(dst, p []float64) {
	var g errgroup.Group
	g.SetLimit(b.workers)
	for c, part := range b.parts {
		g.Go(func() error {
			mulRangeTo(dst, b.src, p, b.scratch[c], part.lo, part.hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *blockProducts) mulTrans(dst, r []float64) {
	var g errgroup.Group
	g.SetLimit(b.workers)
	for c, part := range b.parts {
		g.Go(func() error {
			acc := b.partial[c]
			for i := range acc {
				acc[i] = 0
			}
			mulTransRangeTo(acc, b.src, r, b.scratch[c], part.lo, part.hi)
			return nil
		})
	}
	_ = g.Wait()

	for i := range dst {
		dst[i] = 0
	}
	for _, acc := range b.partial {
		floats.Add(dst, acc)
	}
}

// nnls owns the buffers of one SolveNNLS run. resid is X beta - y and grad
// is X^T resid.
type nnls struct {
	prod *blockProducts
	y    []float64
	sse  float64

	beta  []float64
	grad  []float64
	trial []float64
	dir   []float64
	res   []float64
	p     []float64
	q     []float64

	resid []float64
	xp    []float64
}

func newNNLS(src BlockSource, y []float64, workers int) *nnls {
	n := src.NumStreamlines()
	return &nnls{
		prod:  newBlockProducts(src, workers),
		y:     y,
		beta:  make([]float64, n),
		grad:  make([]float64, n),
		trial: make([]float64, n),
		dir:   make([]float64, n),
		res:   make([]float64, n),
		p:     make([]float64, n),
		q:     make([]float64, n),
		resid: make([]float64, len(y)),
		xp:    make([]float64, len(y)),
	}
}

func (s *nnls) run(ctx context.Context, report *SolverReport) error {
	for i, v := range s.y {
		s.resid[i] = -v
	}
	s.sse = sumSquares(s.y)
	s.prod.mulTrans(s.grad, s.resid)

	scale := floats.Norm(s.grad, math.Inf(1))
	limit := 3*len(s.beta) + 100
	report.Status = StatusIterationCap
	for it := 1; it <= limit; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		kkt := s.projectedNorm()
		if kkt <= nnlsTolerance*scale {
			report.Status = StatusConverged
			break
		}

		before := s.sse
		s.project()
		s.conjugate()
		report.Iterations = it

		if !(s.sse < before) {
			report.Status = StatusStalled
			if s.projectedNorm() <= nnlsFloor*scale {
				report.Status = StatusConverged
			}
			break
		}
	}
	report.BestSSE = s.sse
	return nil
}

// projectedNorm is the largest violation of the KKT conditions: a nonzero
// gradient at a positive weight, or a negative one at a zero weight.
func (s *nnls) projectedNorm() float64 {
	var m float64
	for i, g := range s.grad {
		switch {
		case s.beta[i] > 0:
			m = math.Max(m, math.Abs(g))
		case g < 0:
			m = math.Max(m, -g)
		}
	}
	return m
}

// project takes projected steepest descent steps until the set of zero
// weights stops changing.
func (s *nnls) project() {
	for k := 0; k < maxProjections; k++ {
		for i, g := range s.grad {
			s.dir[i] = -g
			if s.beta[i] == 0 && g > 0 {
				s.dir[i] = 0
			}
		}
		dd := sumSquares(s.dir)
		if dd == 0 {
			return
		}
		s.prod.mul(s.xp, s.dir)
		curv := sumSquares(s.xp)
		if !(curv > 0) {
			return
		}
		// the unconstrained minimizer along dir
		if changed, ok := s.lineSearch(dd / curv); !ok || !changed {
			return
		}
	}
}

// conjugate runs conjugate gradients on the normal equations restricted to
// the positive weights, then line-searches the projected result.
func (s *nnls) conjugate() {
	free := 0
	for i, b := range s.beta {
		s.dir[i], s.p[i], s.res[i] = 0, 0, 0
		if b > 0 {
			free++
			s.res[i] = -s.grad[i]
			s.p[i] = s.res[i]
		}
	}
	rr := sumSquares(s.res)
	if free == 0 || rr == 0 {
		return
	}

	stop := nnlsTolerance * nnlsTolerance * rr
	for k := 0; k < free; k++ {
		s.prod.mul(s.xp, s.p)
		s.prod.mulTrans(s.q, s.xp)
		for i, b := range s.beta {
			if !(b > 0) {
				s.q[i] = 0
			}
		}
		pq := floats.Dot(s.p, s.q)
		if !(pq > 0) {
			break
		}
		alpha := rr / pq
		floats.AddScaled(s.dir, alpha, s.p)
		floats.AddScaled(s.res, -alpha, s.q)
		next := sumSquares(s.res)
		if next <= stop {
			break
		}
		floats.Scale(next/rr, s.p)
		floats.Add(s.p, s.res)
		rr = next
	}
	s.lineSearch(1)
}

// lineSearch moves beta to max(0, beta + t*dir) for the largest t halved
// from t0 whose error decrease satisfies the Armijo condition. It reports
// whether the set of zero weights changed and whether a step was taken.
func (s *nnls) lineSearch(t0 float64) (changed, ok bool) {
	t := t0
	for k := 0; k < maxBacktracks; k++ {
		var slope float64
		for i, b := range s.beta {
			v := b + t*s.dir[i]
			if !(v > 0) {
				v = 0
			}
			s.trial[i] = v
			slope += s.grad[i] * (v - b)
		}

		s.prod.mul(s.xp, s.trial)
		var sse float64
		for i, v := range s.xp {
			r := v - s.y[i]
			sse += r * r
		}

		if sse <= s.sse+2*armijo*slope {
			for i, b := range s.beta {
				if (b == 0) != (s.trial[i] == 0) {
					changed = true
				}
			}
			copy(s.beta, s.trial)
			for i, v := range s.xp {
				s.resid[i] = v - s.y[i]
			}
			s.sse = sse
			s.prod.mulTrans(s.grad, s.resid)
			return changed, true
		}
		t /= 2
	}
	return false, false
}
