package reconst

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCarlsonRF(t *testing.T) {
	assert.InDelta(t, 1.3110287771461, CarlsonRF(1, 2, 0), 1e-12)
	assert.InDelta(t, 1.3110287771461, CarlsonRF(0, 1, 2), 1e-12)
	for _, x := range []float64{0.5, 2, 7} {
		assert.InEpsilon(t, 1/math.Sqrt(x), CarlsonRF(x, x, x), 1e-13)
	}
	assert.True(t, math.IsNaN(CarlsonRF(-1, 1, 1)))
	assert.True(t, math.IsNaN(CarlsonRF(0, 0, 1)))
}

func TestCarlsonRD(t *testing.T) {
	assert.InDelta(t, 1.7972103521034, CarlsonRD(0, 2, 1), 1e-12)
	assert.InDelta(t, 0.16510527294261, CarlsonRD(2, 3, 4), 1e-13)
	for _, x := range []float64{0.5, 3} {
		assert.InEpsilon(t, math.Pow(x, -1.5), CarlsonRD(x, x, x), 1e-13)
	}
	assert.True(t, math.IsNaN(CarlsonRD(1, 1, 0)))
}
