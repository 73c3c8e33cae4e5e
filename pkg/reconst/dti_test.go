package reconst

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dkilife/pkg/tensor"
)

func TestTensorDesign(t *testing.T) {
	tab := shellTable(t, 10, 1000)
	d := TensorDesign(tab)
	r, c := d.Dims()
	require.Equal(t, 11, r)
	require.Equal(t, 7, c)

	// the b0 row only carries the intercept
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0, 1}, mat.Row(nil, 0, d))

	g := tab.Bvecs[3]
	assert.InDelta(t, -1000*g[0]*g[0], d.At(3, 0), 1e-12)
	assert.InDelta(t, -2000*g[1]*g[2], d.At(3, 4), 1e-12)
}

func TestTensorModelRecoversTensor(t *testing.T) {
	tab := shellTable(t, 30, 1000)
	evals := [3]float64{1.5e-3, 0.4e-3, 0.2e-3}
	want := composeTensor(rotation(), evals)
	signal := tensor.SingleTensorSignal(want, 100, tab.Bvals, tab.Bvecs, tab.B0s)

	for _, method := range []FitMethod{OLS, WLS} {
		t.Run(method.String(), func(t *testing.T) {
			m, err := NewTensorModel(tab, WithFitMethod(method))
			require.NoError(t, err)
			fit, err := m.Fit(signal)
			require.NoError(t, err)

			got := fit.Evals()
			assert.InDeltaSlice(t, evals[:], got[:], 1e-10)
			assert.True(t, mat.EqualApprox(want, fit.Quadratic(), 1e-10))
			assert.InEpsilon(t, 100, fit.S0, 1e-8)

			assert.InDelta(t, math.Sqrt(0.6), fit.FA(), 1e-8)
			assert.InDelta(t, 0.7e-3, fit.MD(), 1e-12)
			assert.InDelta(t, 1.5e-3, fit.AD(), 1e-12)
			assert.InDelta(t, 0.3e-3, fit.RD(), 1e-12)

			assert.InDeltaSlice(t, signal, fit.Predict(tab, fit.S0), 1e-6)
		})
	}
}

func TestTensorFitIsotropicFA(t *testing.T) {
	f := &TensorFit{Eig: tensor.Eig{Vals: [3]float64{1e-3, 1e-3, 1e-3}}}
	assert.Zero(t, f.FA())
	f = &TensorFit{Eig: tensor.Eig{}}
	assert.Zero(t, f.FA())
}

func TestTensorModelFitAll(t *testing.T) {
	tab := shellTable(t, 20, 1000)
	m, err := NewTensorModel(tab, WithWorkers(4))
	require.NoError(t, err)

	data := make([][]float64, 6)
	for i := range data {
		evals := [3]float64{1e-3 + float64(i)*1e-4, 0.3e-3, 0.2e-3}
		data[i] = tensor.SingleTensorSignal(composeTensor(rotation(), evals), 50+float64(i), tab.Bvals, tab.Bvecs, tab.B0s)
	}

	fits, err := m.FitAll(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, fits, len(data))
	for i, f := range fits {
		single, err := m.Fit(data[i])
		require.NoError(t, err)
		assert.Equal(t, single.Evals(), f.Evals())
		assert.Equal(t, single.S0, f.S0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.FitAll(ctx, data)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTensorModelErrors(t *testing.T) {
	tab := shellTable(t, 20, 1000)

	_, err := NewTensorModel(tab, WithMinSignal(0))
	assert.ErrorIs(t, err, ErrMinSignal)
	_, err = NewTensorModel(tab, WithMinSignal(-1))
	assert.ErrorIs(t, err, ErrMinSignal)
	_, err = NewTensorModel(tab, WithFitMethod(FitMethod(7)))
	assert.ErrorIs(t, err, ErrUnknownFitMethod)
	_, err = NewTensorModel(shellTable(t, 4, 1000))
	assert.ErrorIs(t, err, ErrTooFewMeasurements)

	m, err := NewTensorModel(tab)
	require.NoError(t, err)
	_, err = m.Fit(make([]float64, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTensorModelClipsSignal(t *testing.T) {
	tab := shellTable(t, 20, 1000)
	m, err := NewTensorModel(tab)
	require.NoError(t, err)

	signal := make([]float64, tab.Len())
	for i := range signal {
		signal[i] = 1
	}
	signal[0] = 0
	signal[5] = -3
	fit, err := m.Fit(signal)
	require.NoError(t, err)
	for _, v := range fit.Evals() {
		assert.False(t, math.IsNaN(v))
	}
}
