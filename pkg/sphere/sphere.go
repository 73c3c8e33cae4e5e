// Package sphere provides discrete unit spheres used to quantize fiber
// directions, with kd-tree backed nearest-vertex lookup.
package sphere

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// ErrEmptySphere is returned when a sphere is built without vertices.
var ErrEmptySphere = errors.New("sphere: no vertices")

// DefaultHemispherePoints is the number of hemisphere points of Default.
const DefaultHemispherePoints = 362

// vertex is a sphere vertex that remembers its position in the vertex list
type vertex struct {
	pos [3]float64
	idx int
}

// Compare implements the kdtree.Comparable interface
func (v vertex) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(vertex)
	return v.pos[d] - q.pos[d]
}

// Dims returns the number of dimensions for the KD-tree
func (v vertex) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two vertices
func (v vertex) Distance(c kdtree.Comparable) float64 {
	q := c.(vertex)
	dx := v.pos[0] - q.pos[0]
	dy := v.pos[1] - q.pos[1]
	dz := v.pos[2] - q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

// vertices satisfies kdtree.Interface
type vertices []vertex

func (p vertices) Index(i int) kdtree.Comparable         { return p[i] }
func (p vertices) Len() int                              { return len(p) }
func (p vertices) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p vertices) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{vertices: p, Dim: d}, kdtree.MedianOfRandoms(plane{vertices: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for vertices
type plane struct {
	vertices
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.vertices[i].pos[p.Dim] < p.vertices[j].pos[p.Dim]
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{vertices: p.vertices[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.vertices[i], p.vertices[j] = p.vertices[j], p.vertices[i]
}

// Sphere is an immutable set of unit vertices.
type Sphere struct {
	verts [][3]float64
	tree  *kdtree.Tree
}

// New builds a sphere from the given vertices. Each vertex is normalized
// to unit length.
func New(verts [][3]float64) (*Sphere, error) {
	if len(verts) == 0 {
		return nil, ErrEmptySphere
	}

	s := &Sphere{verts: make([][3]float64, len(verts))}
	pts := make(vertices, len(verts))
	for i, v := range verts {
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("sphere: vertex %d has length %v", i, n)
		}
		u := [3]float64{v[0] / n, v[1] / n, v[2] / n}
		s.verts[i] = u
		pts[i] = vertex{pos: u, idx: i}
	}

	// kdtree.New reorders pts in place; s.verts keeps the caller's order
	s.tree = kdtree.New(pts, false)
	return s, nil
}

// Hemisphere returns n points spread over the z >= 0 hemisphere on a
// Fibonacci lattice.
func Hemisphere(n int) [][3]float64 {
	golden := math.Pi * (3 - math.Sqrt(5))
	out := make([][3]float64, n)
	for i := 0; i < n; i++ {
		z := 1 - (float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		phi := golden * float64(i)
		out[i] = [3]float64{r * math.Cos(phi), r * math.Sin(phi), z}
	}
	return out
}

// Symmetric returns an antipodally symmetric sphere with 2n vertices:
// n hemisphere points followed by their negations.
func Symmetric(n int) (*Sphere, error) {
	half := Hemisphere(n)
	verts := make([][3]float64, 0, 2*n)
	verts = append(verts, half...)
	for _, v := range half {
		verts = append(verts, [3]float64{-v[0], -v[1], -v[2]})
	}
	return New(verts)
}

var (
	defaultOnce   sync.Once
	defaultSphere *Sphere
)

// Default returns the shared 724-vertex symmetric sphere.
func Default() *Sphere {
	defaultOnce.Do(func() {
		s, err := Symmetric(DefaultHemispherePoints)
		if err != nil {
			panic(err)
		}
		defaultSphere = s
	})
	return defaultSphere
}

// Len returns the number of vertices
func (s *Sphere) Len() int { return len(s.verts) }

// Vertex returns vertex i
func (s *Sphere) Vertex(i int) [3]float64 { return s.verts[i] }

// Vertices returns a copy of all vertices
func (s *Sphere) Vertices() [][3]float64 {
	out := make([][3]float64, len(s.verts))
	copy(out, s.verts)
	return out
}

// FindClosest returns the index of the vertex nearest to direction v.
// v need not be normalized. The result for a zero vector is arbitrary.
func (s *Sphere) FindClosest(v [3]float64) int {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n > 0 {
		v = [3]float64{v[0] / n, v[1] / n, v[2] / n}
	}
	got, _ := s.tree.Nearest(vertex{pos: v})
	return got.(vertex).idx
}
