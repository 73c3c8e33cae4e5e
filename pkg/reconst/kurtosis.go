package reconst

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// KurtosisTensor holds the 15 independent elements of the fully symmetric
// kurtosis tensor, ordered Wxxxx, Wyyyy, Wzzzz, Wxxxy, Wxxxz, Wxyyy, Wyyyz,
// Wxzzz, Wyzzz, Wxxyy, Wxxzz, Wyyzz, Wxxyz, Wxyyz, Wxyzz.
type KurtosisTensor [15]float64

// ktIndex maps every (i,j,k,l) to its element in KurtosisTensor.
var ktIndex = func() (idx [3][3][3][3]uint8) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				for l := 0; l < 3; l++ {
					var n [3]int
					n[i]++
					n[j]++
					n[k]++
					n[l]++
					idx[i][j][k][l] = elementOf(n)
				}
			}
		}
	}
	return idx
}()

func elementOf(n [3]int) uint8 {
	switch n {
	case [3]int{4, 0, 0}:
		return 0
	case [3]int{0, 4, 0}:
		return 1
	case [3]int{0, 0, 4}:
		return 2
	case [3]int{3, 1, 0}:
		return 3
	case [3]int{3, 0, 1}:
		return 4
	case [3]int{1, 3, 0}:
		return 5
	case [3]int{0, 3, 1}:
		return 6
	case [3]int{1, 0, 3}:
		return 7
	case [3]int{0, 1, 3}:
		return 8
	case [3]int{2, 2, 0}:
		return 9
	case [3]int{2, 0, 2}:
		return 10
	case [3]int{0, 2, 2}:
		return 11
	case [3]int{2, 1, 1}:
		return 12
	case [3]int{1, 2, 1}:
		return 13
	default: // {1, 1, 2}
		return 14
	}
}

// ktMultiplicity is the number of index permutations sharing each element.
var ktMultiplicity = [15]float64{1, 1, 1, 4, 4, 4, 4, 4, 4, 6, 6, 6, 12, 12, 12}

// At returns W_ijkl.
func (w *KurtosisTensor) At(i, j, k, l int) float64 {
	return w[ktIndex[i][j][k][l]]
}

// Rotated returns the element (a,b,c,d) of the tensor expressed in the
// frame whose axes are the columns of r.
func (w *KurtosisTensor) Rotated(r mat.Matrix, a, b, c, d int) float64 {
	var s float64
	for i := 0; i < 3; i++ {
		ri := r.At(i, a)
		for j := 0; j < 3; j++ {
			rj := ri * r.At(j, b)
			for k := 0; k < 3; k++ {
				rk := rj * r.At(k, c)
				for l := 0; l < 3; l++ {
					s += rk * r.At(l, d) * w.At(i, j, k, l)
				}
			}
		}
	}
	return s
}

// Apparent returns Σ W_ijkl g_i g_j g_k g_l along unit vector g.
func (w *KurtosisTensor) Apparent(g [3]float64) float64 {
	x, y, z := g[0], g[1], g[2]
	mono := [15]float64{
		x * x * x * x, y * y * y * y, z * z * z * z,
		x * x * x * y, x * x * x * z, x * y * y * y,
		y * y * y * z, x * z * z * z, y * z * z * z,
		x * x * y * y, x * x * z * z, y * y * z * z,
		x * x * y * z, x * y * y * z, x * y * z * z,
	}
	var s float64
	for i, m := range mono {
		s += ktMultiplicity[i] * w[i] * m
	}
	return s
}

// eigenframe holds the six rotated elements the kurtosis measures use.
type eigenframe struct {
	w1111, w2222, w3333 float64
	w1122, w1133, w2233 float64
}

func (w *KurtosisTensor) eigenframe(evecs mat.Matrix) eigenframe {
	return eigenframe{
		w1111: w.Rotated(evecs, 0, 0, 0, 0),
		w2222: w.Rotated(evecs, 1, 1, 1, 1),
		w3333: w.Rotated(evecs, 2, 2, 2, 2),
		w1122: w.Rotated(evecs, 0, 0, 1, 1),
		w1133: w.Rotated(evecs, 0, 0, 2, 2),
		w2233: w.Rotated(evecs, 1, 1, 2, 2),
	}
}

// MeanKurtosis averages the apparent kurtosis over all directions in closed
// form. evals must be sorted descending with matching eigenvector columns.
func MeanKurtosis(evals [3]float64, evecs mat.Matrix, w *KurtosisTensor) float64 {
	r := w.eigenframe(evecs)
	l1, l2, l3 := evals[0], evals[1], evals[2]
	return f1(l1, l2, l3)*r.w1111 +
		f1(l2, l1, l3)*r.w2222 +
		f1(l3, l2, l1)*r.w3333 +
		f2(l1, l2, l3)*r.w2233 +
		f2(l2, l1, l3)*r.w1133 +
		f2(l3, l2, l1)*r.w1122
}

// AxialKurtosis is the apparent kurtosis along the principal eigenvector.
func AxialKurtosis(evals [3]float64, evecs mat.Matrix, w *KurtosisTensor) float64 {
	l1 := evals[0]
	if !(l1 > 0) {
		return 0
	}
	sum := evals[0] + evals[1] + evals[2]
	return sum * sum / (9 * l1 * l1) * w.Rotated(evecs, 0, 0, 0, 0)
}

// RadialKurtosis averages the apparent kurtosis over the plane
// perpendicular to the principal eigenvector.
func RadialKurtosis(evals [3]float64, evecs mat.Matrix, w *KurtosisTensor) float64 {
	r := w.eigenframe(evecs)
	l1, l2, l3 := evals[0], evals[1], evals[2]
	return g1(l1, l2, l3)*r.w2222 + g1(l1, l3, l2)*r.w3333 + g2(l1, l2, l3)*r.w2233
}

// eigenTolerance is the relative gap below which two eigenvalues take the
// limiting form of the kurtosis integrals.
const eigenTolerance = 1e-5

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= eigenTolerance*math.Max(math.Abs(a), math.Abs(b))
}

func positive(a, b, c float64) bool { return a > 0 && b > 0 && c > 0 }

// alpha is atanh(√x)/√x continued to x < 0.
func alpha(x float64) float64 {
	switch {
	case x > 0:
		s := math.Sqrt(x)
		return math.Atanh(s) / s
	case x < 0:
		s := math.Sqrt(-x)
		return math.Atan(s) / s
	default:
		return 1
	}
}

func f1(a, b, c float64) float64 {
	if !positive(a, b, c) {
		return 0
	}
	ab, ac := nearlyEqual(a, b), nearlyEqual(a, c)
	switch {
	case ab && ac:
		return 1.0 / 5
	case ab:
		return f2(c, a, a) / 2
	case ac:
		return f2(b, a, a) / 2
	}
	sum := a + b + c
	sbc := math.Sqrt(b * c)
	rf := CarlsonRF(a/b, a/c, 1)
	rd := CarlsonRD(a/b, a/c, 1)
	return sum * sum / (18 * (a - b) * (a - c)) *
		(sbc/a*rf + (3*a*a-a*b-a*c-b*c)/(3*a*sbc)*rd - 1)
}

func f2(a, b, c float64) float64 {
	if !positive(a, b, c) {
		return 0
	}
	if !nearlyEqual(b, c) {
		sum := a + b + c
		sbc := math.Sqrt(b * c)
		rf := CarlsonRF(a/b, a/c, 1)
		rd := CarlsonRD(a/b, a/c, 1)
		return sum * sum / (3 * (b - c) * (b - c)) *
			((b+c)/sbc*rf + (2*a-b-c)/(3*sbc)*rd - 2)
	}
	if nearlyEqual(a, c) {
		return 6.0 / 15
	}
	t := a + 2*c
	return 6 * t * t / (144 * c * c * (a - c) * (a - c)) *
		(c*t + a*(a-4*c)*alpha(1-a/c))
}

func g1(a, b, c float64) float64 {
	if !positive(a, b, c) {
		return 0
	}
	if nearlyEqual(b, c) {
		t := a + 2*b
		return t * t / (24 * b * b)
	}
	sum := a + b + c
	return sum * sum / (18 * b * (b - c) * (b - c)) *
		(2*b + (c*c-3*b*c)/math.Sqrt(b*c))
}

func g2(a, b, c float64) float64 {
	if !positive(a, b, c) {
		return 0
	}
	if nearlyEqual(b, c) {
		t := a + 2*b
		return t * t / (12 * b * b)
	}
	sum := a + b + c
	return sum * sum / (3 * (b - c) * (b - c)) * ((b+c)/math.Sqrt(b*c) - 2)
}
