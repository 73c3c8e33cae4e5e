package sphere

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteClosest finds the nearest vertex by maximum dot product
func bruteClosest(s *Sphere, v [3]float64) int {
	best, bestDot := 0, math.Inf(-1)
	for i, u := range s.verts {
		d := u[0]*v[0] + u[1]*v[1] + u[2]*v[2]
		if d > bestDot {
			best, bestDot = i, d
		}
	}
	return best
}

func TestDefaultSphere(t *testing.T) {
	s := Default()
	require.Equal(t, 724, s.Len())
	assert.Same(t, s, Default())

	for i := 0; i < s.Len(); i++ {
		v := s.Vertex(i)
		assert.InDelta(t, 1.0, math.Sqrt(v[0]*v[0]+v[1]*v[1]+v[2]*v[2]), 1e-12)
	}

	// antipodal pairs
	v, w := s.Vertex(5), s.Vertex(5+DefaultHemispherePoints)
	assert.InDeltaSlice(t, []float64{-v[0], -v[1], -v[2]}, w[:], 1e-15)
}

func TestFindClosestMatchesBruteForce(t *testing.T) {
	s, err := Symmetric(50)
	require.NoError(t, err)

	dirs := [][3]float64{
		{1, 0, 0}, {0, 1, 0}, {0, 0, -1},
		{0.3, -0.2, 0.9}, {-5, 2, 1}, {0.01, 0.02, -0.03},
	}
	for _, d := range dirs {
		n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2])
		u := [3]float64{d[0] / n, d[1] / n, d[2] / n}
		assert.Equal(t, bruteClosest(s, u), s.FindClosest(d), "direction %v", d)
	}
}

func TestFindClosestExactVertex(t *testing.T) {
	s := Default()
	for _, i := range []int{0, 17, 361, 362, 723} {
		assert.Equal(t, i, s.FindClosest(s.Vertex(i)))
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrEmptySphere)

	_, err = New([][3]float64{{1, 0, 0}, {0, 0, 0}})
	assert.Error(t, err)
}

func TestVerticesIsCopy(t *testing.T) {
	s, err := New([][3]float64{{2, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)

	vs := s.Vertices()
	assert.Equal(t, [3]float64{1, 0, 0}, vs[0])
	vs[0] = [3]float64{9, 9, 9}
	assert.Equal(t, [3]float64{1, 0, 0}, s.Vertex(0))
}
