package life

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/stat"
)

// FitMetrics describes how well a fit explains its training signal.
type FitMetrics struct {
	// RMSE is the root mean square error between the demeaned relative
	// signal and its prediction. Lower is better.
	RMSE float64

	// R2 is the coefficient of determination of the same comparison.
	R2 float64

	// NonZeroWeights counts streamlines with a positive weight.
	NonZeroWeights int

	// SupportedVoxels counts voxels crossed by at least one streamline with
	// a positive weight.
	SupportedVoxels int
}

// Metrics evaluates the fit on its training signal.
func (f *FiberFit) Metrics() FitMetrics {
	var m FitMetrics

	active := roaring.New()
	for i, b := range f.Beta {
		if b > 0 {
			active.Add(uint32(i))
		}
	}
	m.NonZeroWeights = int(active.GetCardinality())
	m.SupportedVoxels = len(f.problem.Index.Covered(active))

	if len(f.FitSignal) == 0 {
		return m
	}
	pred := make([]float64, len(f.FitSignal))
	mulTo(pred, f.problem.Source(), f.Beta, nil)

	m.RMSE = rmse(f.FitSignal, pred)
	m.R2 = stat.RSquaredFrom(pred, f.FitSignal, nil)
	return m
}

func rmse(original, predicted []float64) float64 {
	n := len(original)
	if n != len(predicted) || n == 0 {
		return 0
	}
	mse := 0.0
	for i := range original {
		d := original[i] - predicted[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(n))
}
