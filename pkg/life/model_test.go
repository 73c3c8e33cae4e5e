package life

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkilife/internal/models"
	"dkilife/pkg/gradients"
	"dkilife/pkg/logging"
	"dkilife/pkg/tensor"
)

const (
	testS0     = 100.0
	testOffset = 3.0
)

var testDims = [4]int{6, 6, 6, 31}

// synthesize builds a volume whose fitted voxels carry exactly the signal
// the model predicts for beta, on top of a constant relative offset.
func synthesize(t *testing.T, m *FiberModel, streamlines []models.Streamline, beta []float64) *DenseVolume {
	t.Helper()
	p, err := m.Setup(context.Background(), streamlines, nil)
	require.NoError(t, err)

	tab := m.Table()
	nDir := tab.NumDiffusion()
	y := make([]float64, p.Index.NumVoxels()*nDir)
	mulTo(y, p.Source(), beta, nil)

	dims := testDims
	dims[3] = tab.Len()
	vol, err := NewDenseVolume(dims, make([]float64, dims[0]*dims[1]*dims[2]*dims[3]))
	require.NoError(t, err)
	for v, vox := range p.Index.Voxels {
		k := 0
		for g := 0; g < tab.Len(); g++ {
			if tab.B0s[g] {
				vol.Set(vox.X, vox.Y, vox.Z, g, testS0)
				continue
			}
			vol.Set(vox.X, vox.Y, vox.Z, g, testS0*(testOffset+y[v*nDir+k]))
			k++
		}
	}
	return vol
}

func TestFitRoundTripExactGradients(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30), WithExactGradients())
	require.NoError(t, err)

	sl := []models.Streamline{xLine()}
	vol := synthesize(t, m, sl, []float64{1})

	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	require.Len(t, fit.Beta, 1)
	assert.InDelta(t, 1.0, fit.Beta[0], 1e-9)
	assert.Equal(t, []models.Voxel{{X: 2, Y: 2, Z: 2}, {X: 3, Y: 2, Z: 2}}, fit.Voxels)
	assert.InDeltaSlice(t, []float64{testS0, testS0}, fit.B0Signal, 1e-12)
	assert.InDeltaSlice(t, []float64{testOffset, testOffset}, fit.MeanSignal, 1e-9)

	pred, err := fit.Predict(nil, nil)
	require.NoError(t, err)
	require.Len(t, pred, 2)
	for v, vox := range fit.Voxels {
		for g := range pred[v] {
			assert.InDelta(t, vol.At(vox.X, vox.Y, vox.Z, g), pred[v][g], 1e-7)
		}
	}

	metrics := fit.Metrics()
	assert.Less(t, metrics.RMSE, 1e-9)
	assert.InDelta(t, 1.0, metrics.R2, 1e-9)
	assert.Equal(t, 1, metrics.NonZeroWeights)
	assert.Equal(t, 2, metrics.SupportedVoxels)
}

func TestFitRoundTripSphereCrossing(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30))
	require.NoError(t, err)

	sl := []models.Streamline{xLine(), yLine()}
	truth := []float64{0.7, 1.3}
	vol := synthesize(t, m, sl, truth)

	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, truth, fit.Beta, 1e-8)
	assert.Equal(t, StatusConverged, fit.Report.Status)
	assert.Less(t, fit.Report.BestSSE, 1e-12)
}

func TestFitZeroStreamlines(t *testing.T) {
	for _, mode := range []Mode{ModeSpeed, ModeMemory} {
		t.Run(mode.String(), func(t *testing.T) {
			m, err := NewFiberModel(testTable(t, 10), WithMode(mode))
			require.NoError(t, err)

			dims := [4]int{2, 2, 2, 11}
			vol, err := NewDenseVolume(dims, make([]float64, 2*2*2*11))
			require.NoError(t, err)

			fit, err := m.Fit(context.Background(), vol, nil, nil)
			require.NoError(t, err)
			assert.Empty(t, fit.Beta)
			assert.Empty(t, fit.Voxels)

			pred, err := fit.Predict(nil, nil)
			require.NoError(t, err)
			assert.Empty(t, pred)

			if mode == ModeSpeed {
				r, c := fit.problem.Operator.Dims()
				assert.Zero(t, r)
				assert.Zero(t, c)
			}
		})
	}
}

func TestPredictIdempotent(t *testing.T) {
	for _, mode := range []Mode{ModeSpeed, ModeMemory} {
		t.Run(mode.String(), func(t *testing.T) {
			m, err := NewFiberModel(testTable(t, 30), WithMode(mode), WithStepSize(0.001))
			require.NoError(t, err)
			sl := []models.Streamline{xLine(), yLine()}
			vol := synthesize(t, m, sl, []float64{0.5, 0.5})

			fit, err := m.Fit(context.Background(), vol, sl, nil)
			require.NoError(t, err)

			a, err := fit.Predict(nil, nil)
			require.NoError(t, err)
			b, err := fit.Predict(nil, nil)
			require.NoError(t, err)
			assert.Equal(t, a, b)

			s0 := []float64{1, 2, 3, 4, 5}
			require.Len(t, fit.Voxels, len(s0))
			c, err := fit.Predict(fit.model.Table(), s0)
			require.NoError(t, err)
			d, err := fit.Predict(fit.model.Table(), s0)
			require.NoError(t, err)
			assert.Equal(t, c, d)
		})
	}
}

func TestPredictOtherTable(t *testing.T) {
	tab := testTable(t, 30)
	m, err := NewFiberModel(tab)
	require.NoError(t, err)
	sl := []models.Streamline{xLine(), yLine()}
	vol := synthesize(t, m, sl, []float64{1, 1})
	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)

	// an equal table built separately goes through a fresh operator
	same, err := gradients.New(tab.Bvals, tab.Bvecs)
	require.NoError(t, err)
	want, err := fit.Predict(nil, nil)
	require.NoError(t, err)
	got, err := fit.Predict(same, nil)
	require.NoError(t, err)
	for v := range want {
		assert.InDeltaSlice(t, want[v], got[v], 1e-9)
	}

	// a smaller table with two b0s
	other, err := gradients.New(
		[]float64{0, 2000, 0, 2000},
		[][3]float64{{}, {1, 0, 0}, {}, {0, 1, 0}},
	)
	require.NoError(t, err)
	pred, err := fit.Predict(other, nil)
	require.NoError(t, err)
	require.Len(t, pred, len(fit.Voxels))
	for v, row := range pred {
		require.Len(t, row, 4)
		assert.Equal(t, fit.B0Signal[v], row[0])
		assert.Equal(t, fit.B0Signal[v], row[2])
	}

	_, err = fit.Predict(nil, []float64{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPredictOtherTableByMode(t *testing.T) {
	tab := testTable(t, 30)
	sl := []models.Streamline{xLine(), yLine()}
	same, err := gradients.New(tab.Bvals, tab.Bvecs)
	require.NoError(t, err)

	tests := []struct {
		mode Mode
		want BlockSource
	}{
		{ModeSpeed, &DesignOperator{}},
		{ModeMemory, &StreamingBlocks{}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			m, err := NewFiberModel(tab, WithMode(tt.mode), WithStepSize(0.001))
			require.NoError(t, err)
			vol := synthesize(t, m, sl, []float64{0.5, 0.5})
			fit, err := m.Fit(context.Background(), vol, sl, nil)
			require.NoError(t, err)

			src, err := fit.source(same)
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
			if tt.mode == ModeMemory {
				assert.Nil(t, fit.problem.Operator)
			}

			want, err := fit.Predict(nil, nil)
			require.NoError(t, err)
			got, err := fit.Predict(same, nil)
			require.NoError(t, err)
			for v := range want {
				assert.InDeltaSlice(t, want[v], got[v], 1e-9)
			}
		})
	}
}

func TestFitMemoryMatchesSpeed(t *testing.T) {
	tab := testTable(t, 30)
	sl := []models.Streamline{xLine()}

	speed, err := NewFiberModel(tab, WithExactGradients())
	require.NoError(t, err)
	vol := synthesize(t, speed, sl, []float64{1})

	p, err := speed.Setup(context.Background(), sl, nil)
	require.NoError(t, err)
	curv := sumSquares(p.Operator.Mul([]float64{1}))

	memory, err := NewFiberModel(tab, WithExactGradients(), WithMode(ModeMemory),
		WithStepSize(0.5/curv))
	require.NoError(t, err)

	want, err := speed.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	got, err := memory.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusConverged, got.Report.Status)
	assert.InDeltaSlice(t, want.Beta, got.Beta, 1e-6)
}

func TestFitMemoryBetaNonNegative(t *testing.T) {
	tab := testTable(t, 30)
	sl := []models.Streamline{xLine(), yLine()}

	for _, step := range []float64{0.0005, 0.001, 0.003} {
		var calls int
		progress := func(iteration int, beta []float64) {
			calls++
			for _, b := range beta {
				if b < 0 {
					t.Fatalf("step %v iteration %d: negative weight %v", step, iteration, b)
				}
			}
		}
		m, err := NewFiberModel(tab, WithMode(ModeMemory), WithStepSize(step),
			WithMaxIterations(400), WithProgress(progress))
		require.NoError(t, err)

		// the negative weight pushes the projection onto the bound
		vol := synthesize(t, m, sl, []float64{-0.5, 1})
		fit, err := m.Fit(context.Background(), vol, sl, nil)
		require.NoError(t, err)

		assert.Positive(t, calls)
		for _, b := range fit.Beta {
			assert.GreaterOrEqual(t, b, 0.0)
		}
	}
}

func TestFitSpeedBetaNonNegative(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30))
	require.NoError(t, err)
	sl := []models.Streamline{xLine(), yLine()}
	vol := synthesize(t, m, sl, []float64{-0.5, 1})

	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	for _, b := range fit.Beta {
		assert.GreaterOrEqual(t, b, 0.0)
	}
}

func TestFitMemoryWorkersAgree(t *testing.T) {
	tab := testTable(t, 30)
	sl := []models.Streamline{xLine(), yLine()}

	fitWith := func(workers int) []float64 {
		m, err := NewFiberModel(tab, WithMode(ModeMemory), WithStepSize(0.001), WithWorkers(workers))
		require.NoError(t, err)
		vol := synthesize(t, m, sl, []float64{0.8, 0.4})
		fit, err := m.Fit(context.Background(), vol, sl, nil)
		require.NoError(t, err)
		return fit.Beta
	}

	assert.InDeltaSlice(t, fitWith(1), fitWith(3), 1e-9)
}

func TestFitMemoryStalled(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30), WithMode(ModeMemory), WithLogger(logging.NoopLogger()))
	require.NoError(t, err)
	sl := []models.Streamline{xLine()}

	// zero weights explain the data exactly, so nothing ever improves
	vol := synthesize(t, m, sl, []float64{0})
	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, fit.Report.Status)
	assert.Equal(t, []float64{0}, fit.Beta)
}

func TestFitMemoryIterationCap(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30), WithMode(ModeMemory), WithMaxIterations(3))
	require.NoError(t, err)
	sl := []models.Streamline{xLine()}
	vol := synthesize(t, m, sl, []float64{1})

	fit, err := m.Fit(context.Background(), vol, sl, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusIterationCap, fit.Report.Status)
	assert.Equal(t, 3, fit.Report.Iterations)
	assert.Zero(t, fit.Report.Checks)
}

func TestFitMemoryCancelled(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30), WithMode(ModeMemory))
	require.NoError(t, err)
	sl := []models.Streamline{xLine()}
	vol := synthesize(t, m, sl, []float64{1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Fit(ctx, vol, sl, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitErrors(t *testing.T) {
	tab := testTable(t, 30)
	m, err := NewFiberModel(tab)
	require.NoError(t, err)
	ctx := context.Background()
	good := synthesize(t, m, []models.Streamline{xLine()}, []float64{1})

	t.Run("degenerate streamline", func(t *testing.T) {
		_, err := m.Fit(ctx, good, []models.Streamline{{{1, 1, 1}}}, nil)
		assert.ErrorIs(t, err, ErrDegenerateStreamline)
	})
	t.Run("repeated node", func(t *testing.T) {
		_, err := m.Fit(ctx, good, []models.Streamline{{{1, 1, 1}, {1, 1, 1}}}, nil)
		assert.ErrorIs(t, err, tensor.ErrZeroGradient)
	})
	t.Run("outside volume", func(t *testing.T) {
		_, err := m.Fit(ctx, good, []models.Streamline{{{-1, 0, 0}, {0, 0, 0}}}, nil)
		assert.ErrorIs(t, err, ErrVoxelOutOfBounds)
	})
	t.Run("zero b0", func(t *testing.T) {
		_, err := m.Fit(ctx, good, []models.Streamline{{{0, 0, 0}, {0, 0, 1}}}, nil)
		assert.ErrorIs(t, err, ErrZeroB0Signal)
	})
	t.Run("volume shape", func(t *testing.T) {
		vol, err := NewDenseVolume([4]int{1, 1, 1, 2}, make([]float64, 2))
		require.NoError(t, err)
		_, err = m.Fit(ctx, vol, nil, nil)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestFitAffine(t *testing.T) {
	m, err := NewFiberModel(testTable(t, 30), WithExactGradients())
	require.NoError(t, err)
	vol := synthesize(t, m, []models.Streamline{xLine()}, []float64{1})

	// streamline stored in a frame shifted by -1 on every axis
	shifted := make(models.Streamline, len(xLine()))
	for i, p := range xLine() {
		shifted[i] = models.Point{p[0] - 1, p[1] - 1, p[2] - 1}
	}
	affine := models.Affine{
		{1, 0, 0, 1},
		{0, 1, 0, 1},
		{0, 0, 1, 1},
		{0, 0, 0, 1},
	}
	fit, err := m.Fit(context.Background(), vol, []models.Streamline{shifted}, &affine)
	require.NoError(t, err)
	assert.Equal(t, []models.Voxel{{X: 2, Y: 2, Z: 2}, {X: 3, Y: 2, Z: 2}}, fit.Voxels)
	assert.InDelta(t, 1.0, fit.Beta[0], 1e-9)
	assert.Equal(t, affine, fit.Affine)
}

func TestNewFiberModelValidation(t *testing.T) {
	tab := testTable(t, 10)

	noB0, err := gradients.New([]float64{1000, 1000}, [][3]float64{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	_, err = NewFiberModel(noB0)
	assert.ErrorIs(t, err, ErrMissingB0)

	onlyB0, err := gradients.New([]float64{0, 0}, [][3]float64{{}, {}})
	require.NoError(t, err)
	_, err = NewFiberModel(onlyB0)
	assert.ErrorIs(t, err, ErrNoDiffusionWeighting)

	bad := []Option{
		WithStepSize(0),
		WithCheckErrorIter(1),
		WithConvergeOnSSE(1.5),
		WithMaxErrorChecks(0),
		WithMaxIterations(0),
		WithWorkers(0),
		WithEvals([3]float64{}),
		WithEvals([3]float64{-1, 0, 0}),
		WithMode(Mode(7)),
	}
	for _, opt := range bad {
		_, err := NewFiberModel(tab, opt)
		assert.ErrorIs(t, err, ErrInvalidOption)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Memory")
	require.NoError(t, err)
	assert.Equal(t, ModeMemory, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSpeed, m)

	_, err = ParseMode("fast")
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Equal(t, "speed", ModeSpeed.String())
}
