package reconst

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/gradients"
	"dkilife/pkg/sphere"
)

// shellTable returns one b0 followed by n hemisphere directions per shell.
func shellTable(t *testing.T, n int, shells ...float64) *gradients.Table {
	t.Helper()
	bvals := []float64{0}
	bvecs := [][3]float64{{0, 0, 0}}
	for _, b := range shells {
		for _, d := range sphere.Hemisphere(n) {
			bvals = append(bvals, b)
			bvecs = append(bvecs, d)
		}
	}
	tab, err := gradients.New(bvals, bvecs)
	require.NoError(t, err)
	return tab
}

// rotation returns Rx(50°)·Rz(30°).
func rotation() *mat.Dense {
	a, b := 30*math.Pi/180, 50*math.Pi/180
	rz := mat.NewDense(3, 3, []float64{
		math.Cos(a), -math.Sin(a), 0,
		math.Sin(a), math.Cos(a), 0,
		0, 0, 1,
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, math.Cos(b), -math.Sin(b),
		0, math.Sin(b), math.Cos(b),
	})
	var r mat.Dense
	r.Mul(rx, rz)
	return &r
}

// composeTensor returns R diag(evals) Rᵀ.
func composeTensor(r mat.Matrix, evals [3]float64) *mat.SymDense {
	out := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += r.At(i, k) * evals[k] * r.At(j, k)
			}
			out.SetSym(i, j, s)
		}
	}
	return out
}

var ktRepresentative = [15][4]int{
	{0, 0, 0, 0}, {1, 1, 1, 1}, {2, 2, 2, 2},
	{0, 0, 0, 1}, {0, 0, 0, 2}, {0, 1, 1, 1},
	{1, 1, 1, 2}, {0, 2, 2, 2}, {1, 2, 2, 2},
	{0, 0, 1, 1}, {0, 0, 2, 2}, {1, 1, 2, 2},
	{0, 0, 1, 2}, {0, 1, 1, 2}, {0, 1, 2, 2},
}

// toLab expresses a tensor given in the frame of r's columns in the lab frame.
func toLab(w KurtosisTensor, r mat.Matrix) KurtosisTensor {
	var out KurtosisTensor
	for e, ix := range ktRepresentative {
		out[e] = w.Rotated(r.T(), ix[0], ix[1], ix[2], ix[3])
	}
	return out
}

// genericKT is an anisotropic kurtosis tensor in its eigenframe.
var genericKT = KurtosisTensor{
	0.9, 0.7, 0.5,
	0.05, -0.03, 0.02, 0.04, -0.01, 0.03,
	0.25, 0.2, 0.15,
	0.01, -0.02, 0.015,
}

func isotropicKT(k float64) KurtosisTensor {
	return KurtosisTensor{k, k, k, 0, 0, 0, 0, 0, 0, k / 3, k / 3, k / 3, 0, 0, 0}
}
