package life

import (
	"fmt"

	"dkilife/internal/models"
	"dkilife/pkg/sphere"
	"dkilife/pkg/tensor"
)

// TransformStreamlines maps every streamline through affine. A nil affine
// is the identity and the input is returned as is.
func TransformStreamlines(streamlines []models.Streamline, affine *models.Affine) []models.Streamline {
	if affine == nil || affine.IsIdentity() {
		return streamlines
	}
	out := make([]models.Streamline, len(streamlines))
	for i, s := range streamlines {
		out[i] = affine.Transform(s)
	}
	return out
}

// StreamlineGradients returns the spatial gradient at every node: a forward
// difference at the first node, a backward difference at the last node
// (index len-1) and a centered difference elsewhere.
func StreamlineGradients(s models.Streamline) ([]models.Point, error) {
	n := len(s)
	if n < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrDegenerateStreamline, n)
	}

	out := make([]models.Point, n)
	for i := range s {
		switch i {
		case 0:
			out[i] = s[1].Sub(s[0])
		case n - 1:
			out[i] = s[n-1].Sub(s[n-2])
		default:
			d := s[i+1].Sub(s[i-1])
			out[i] = models.Point{d[0] / 2, d[1] / 2, d[2] / 2}
		}
	}
	return out, nil
}

// allGradients computes node gradients for every streamline and rejects
// zero-length gradients.
func allGradients(streamlines []models.Streamline) ([][]models.Point, error) {
	out := make([][]models.Point, len(streamlines))
	for i, s := range streamlines {
		g, err := StreamlineGradients(s)
		if err != nil {
			return nil, fmt.Errorf("life: streamline %d: %w", i, err)
		}
		for n, p := range g {
			if p.Norm() == 0 {
				return nil, fmt.Errorf("life: streamline %d node %d: %w", i, n, tensor.ErrZeroGradient)
			}
		}
		out[i] = g
	}
	return out, nil
}

// ClosestVertices returns, for every node, the sphere vertex closest to the
// node gradient.
func ClosestVertices(streamlines []models.Streamline, s *sphere.Sphere) ([][]int, error) {
	grads, err := allGradients(streamlines)
	if err != nil {
		return nil, err
	}
	return closestVertices(grads, s), nil
}

func closestVertices(grads [][]models.Point, s *sphere.Sphere) [][]int {
	out := make([][]int, len(grads))
	for i, g := range grads {
		idx := make([]int, len(g))
		for n, p := range g {
			idx[n] = s.FindClosest([3]float64(p))
		}
		out[i] = idx
	}
	return out
}
