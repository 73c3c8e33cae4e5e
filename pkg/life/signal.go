package life

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dkilife/internal/models"
	"dkilife/pkg/gradients"
	"dkilife/pkg/sphere"
	"dkilife/pkg/tensor"
)

// CanonicalSignal returns the demeaned signal of the canonical response
// tensor rotated onto direction g, sampled at the diffusion-weighted
// measurements of table with S0 = 1.
func CanonicalSignal(table *gradients.Table, evals [3]float64, g [3]float64) ([]float64, error) {
	sig := make([]float64, table.NumDiffusion())
	if err := canonicalSignalTo(sig, table.DiffusionBvals(), table.DiffusionBvecs(), evals, g); err != nil {
		return nil, err
	}
	return sig, nil
}

func canonicalSignalTo(dst, bvals []float64, bvecs [][3]float64, evals, g [3]float64) error {
	t, err := tensor.GradTensor(g, evals)
	if err != nil {
		return err
	}
	for i, b := range bvals {
		dst[i] = math.Exp(-b * tensor.ADC(t, bvecs[i]))
	}
	floats.AddConst(-stat.Mean(dst, nil), dst)
	return nil
}

// SignalCache maps sphere vertices to the demeaned canonical signal along
// that vertex. Entries are stored back to back.
type SignalCache struct {
	nDir int
	data []float64
}

// NewSignalCache computes the signal for every vertex of s.
func NewSignalCache(table *gradients.Table, evals [3]float64, s *sphere.Sphere) (*SignalCache, error) {
	nDir := table.NumDiffusion()
	bvals := table.DiffusionBvals()
	bvecs := table.DiffusionBvecs()

	c := &SignalCache{nDir: nDir, data: make([]float64, s.Len()*nDir)}
	for v := 0; v < s.Len(); v++ {
		if err := canonicalSignalTo(c.Signal(v), bvals, bvecs, evals, s.Vertex(v)); err != nil {
			return nil, fmt.Errorf("life: signal for vertex %d: %w", v, err)
		}
	}
	return c, nil
}

// Len returns the number of cached vertices
func (c *SignalCache) Len() int {
	if c.nDir == 0 {
		return 0
	}
	return len(c.data) / c.nDir
}

// NumDirections returns the length of every cached signal
func (c *SignalCache) NumDirections() int { return c.nDir }

// Signal returns the cached signal of vertex v. The slice aliases the cache.
func (c *SignalCache) Signal(v int) []float64 {
	return c.data[v*c.nDir : (v+1)*c.nDir : (v+1)*c.nDir]
}

// NodeSignals supplies the demeaned signal of every streamline node.
type NodeSignals interface {
	NumDirections() int
	NodeSignal(stream, node int) []float64
}

// vertexSignals looks node signals up through their closest sphere vertex.
type vertexSignals struct {
	cache   *SignalCache
	closest [][]int
}

func (s *vertexSignals) NumDirections() int { return s.cache.NumDirections() }

func (s *vertexSignals) NodeSignal(stream, node int) []float64 {
	return s.cache.Signal(s.closest[stream][node])
}

// exactSignals holds one signal per node, computed from exact gradients.
type exactSignals struct {
	nDir    int
	signals [][]float64
}

func (s *exactSignals) NumDirections() int { return s.nDir }

func (s *exactSignals) NodeSignal(stream, node int) []float64 {
	off := node * s.nDir
	return s.signals[stream][off : off+s.nDir : off+s.nDir]
}

// newExactSignals computes the per-node signal of every streamline.
func newExactSignals(table *gradients.Table, evals [3]float64, grads [][]models.Point) (*exactSignals, error) {
	nDir := table.NumDiffusion()
	bvals := table.DiffusionBvals()
	bvecs := table.DiffusionBvecs()

	out := &exactSignals{nDir: nDir, signals: make([][]float64, len(grads))}
	for s, g := range grads {
		buf := make([]float64, len(g)*nDir)
		for n := range g {
			if err := canonicalSignalTo(buf[n*nDir:(n+1)*nDir], bvals, bvecs, evals, [3]float64(g[n])); err != nil {
				return nil, fmt.Errorf("life: streamline %d node %d: %w", s, n, err)
			}
		}
		out.signals[s] = buf
	}
	return out, nil
}
