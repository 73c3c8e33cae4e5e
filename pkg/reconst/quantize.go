package reconst

import (
	"dkilife/pkg/sphere"
	"dkilife/pkg/tensor"
)

// QuantizeEvecs returns, for each decomposition, the index of the sphere
// vertex closest to its principal eigenvector. A nil sphere selects
// sphere.Default().
func QuantizeEvecs(eigs []tensor.Eig, s *sphere.Sphere) []int {
	if s == nil {
		s = sphere.Default()
	}
	out := make([]int, len(eigs))
	for i, e := range eigs {
		out[i] = s.FindClosest(e.Principal())
	}
	return out
}
