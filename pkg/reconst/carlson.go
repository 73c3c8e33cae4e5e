package reconst

import "math"

// carlsonTolerance bounds the relative spread of the arguments when the
// duplication stops. The truncation error scales with its sixth power.
const carlsonTolerance = 1e-4

// CarlsonRF computes Carlson's symmetric elliptic integral of the first kind
//
//	RF(x,y,z) = 1/2 ∫ [(t+x)(t+y)(t+z)]^(-1/2) dt
//
// by the duplication theorem. Arguments must be non-negative with at most one
// zero; otherwise NaN is returned.
func CarlsonRF(x, y, z float64) float64 {
	if x < 0 || y < 0 || z < 0 || x+y == 0 || x+z == 0 || y+z == 0 {
		return math.NaN()
	}

	var ave, dx, dy, dz float64
	for {
		sx, sy, sz := math.Sqrt(x), math.Sqrt(y), math.Sqrt(z)
		lambda := sx*(sy+sz) + sy*sz
		x = 0.25 * (x + lambda)
		y = 0.25 * (y + lambda)
		z = 0.25 * (z + lambda)
		ave = (x + y + z) / 3
		dx = (ave - x) / ave
		dy = (ave - y) / ave
		dz = (ave - z) / ave
		if math.Max(math.Abs(dx), math.Max(math.Abs(dy), math.Abs(dz))) <= carlsonTolerance {
			break
		}
	}

	e2 := dx*dy - dz*dz
	e3 := dx * dy * dz
	return (1 + (e2/24-0.1-3.0/44*e3)*e2 + e3/14) / math.Sqrt(ave)
}

// CarlsonRD computes Carlson's elliptic integral of the second kind
//
//	RD(x,y,z) = 3/2 ∫ (t+x)^(-1/2) (t+y)^(-1/2) (t+z)^(-3/2) dt.
//
// x and y must be non-negative with at most one zero and z must be positive;
// otherwise NaN is returned.
func CarlsonRD(x, y, z float64) float64 {
	if x < 0 || y < 0 || x+y == 0 || !(z > 0) {
		return math.NaN()
	}

	const (
		c1 = 3.0 / 14
		c2 = 1.0 / 6
		c3 = 9.0 / 22
		c4 = 3.0 / 26
		c5 = 0.25 * c3
		c6 = 1.5 * c4
	)

	var sum, ave, dx, dy, dz float64
	fac := 1.0
	for {
		sx, sy, sz := math.Sqrt(x), math.Sqrt(y), math.Sqrt(z)
		lambda := sx*(sy+sz) + sy*sz
		sum += fac / (sz * (z + lambda))
		fac *= 0.25
		x = 0.25 * (x + lambda)
		y = 0.25 * (y + lambda)
		z = 0.25 * (z + lambda)
		ave = 0.2 * (x + y + 3*z)
		dx = (ave - x) / ave
		dy = (ave - y) / ave
		dz = (ave - z) / ave
		if math.Max(math.Abs(dx), math.Max(math.Abs(dy), math.Abs(dz))) <= carlsonTolerance {
			break
		}
	}

	ea := dx * dy
	eb := dz * dz
	ec := ea - eb
	ed := ea - 6*eb
	ee := ed + ec + ec
	series := 1 + ed*(-c1+c5*ed-c6*dz*ee) + dz*(c2*ee+dz*(-c3*ec+dz*c4*ea))
	return 3*sum + fac*series/(ave*math.Sqrt(ave))
}
