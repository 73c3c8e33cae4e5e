package npyio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkilife/internal/models"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.npy")
	data := []float64{1, 2, 3, 4, 5, 6}
	require.NoError(t, WriteFloat64(path, []int{2, 3}, data))

	a, err := ReadFloat64(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, a.Shape)
	assert.Equal(t, data, a.Data)

	assert.ErrorIs(t, WriteFloat64(path, []int{4}, data), ErrShape)
}

func TestWriteRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.npy")
	require.NoError(t, WriteRows(path, [][]float64{{1, 2}, {3, 4}, {5, 6}}))
	a, err := ReadFloat64(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, a.Shape)

	assert.ErrorIs(t, WriteRows(path, [][]float64{{1, 2}, {3}}), ErrShape)
}

func TestReadVolume(t *testing.T) {
	dir := t.TempDir()
	four := filepath.Join(dir, "v4.npy")
	data := make([]float64, 2*3*1*4)
	for i := range data {
		data[i] = float64(i)
	}
	require.NoError(t, WriteFloat64(four, []int{2, 3, 1, 4}, data))
	v, err := ReadVolume(four)
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 3, 1, 4}, v.Dims())
	assert.Equal(t, 23.0, v.At(1, 2, 0, 3))

	two := filepath.Join(dir, "v2.npy")
	require.NoError(t, WriteFloat64(two, []int{6, 4}, data))
	v, err = ReadVolume(two)
	require.NoError(t, err)
	assert.Equal(t, [4]int{6, 1, 1, 4}, v.Dims())
	assert.Equal(t, 5.0, v.At(1, 0, 0, 1))

	three := filepath.Join(dir, "v3.npy")
	require.NoError(t, WriteFloat64(three, []int{2, 3, 4}, data))
	_, err = ReadVolume(three)
	assert.ErrorIs(t, err, ErrShape)
}

func TestReadAffine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aff.npy")
	want := models.Affine{{2, 0, 0, 1}, {0, 2, 0, 2}, {0, 0, 2, 3}, {0, 0, 0, 1}}
	flat := make([]float64, 0, 16)
	for _, row := range want {
		flat = append(flat, row[:]...)
	}
	require.NoError(t, WriteFloat64(path, []int{4, 4}, flat))
	got, err := ReadAffine(path)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, WriteFloat64(path, []int{2, 8}, flat))
	_, err = ReadAffine(path)
	assert.ErrorIs(t, err, ErrShape)
}

func TestReadStreamlines(t *testing.T) {
	dir := t.TempDir()
	pts := filepath.Join(dir, "points.npy")
	lens := filepath.Join(dir, "lengths.npy")
	require.NoError(t, WriteFloat64(pts, []int{5, 3}, []float64{
		0, 0, 0, 1, 0, 0, 2, 0, 0,
		0, 1, 0, 0, 2, 0,
	}))
	require.NoError(t, WriteFloat64(lens, []int{2}, []float64{3, 2}))

	sls, err := ReadStreamlines(pts, lens)
	require.NoError(t, err)
	require.Len(t, sls, 2)
	assert.Equal(t, models.Streamline{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}, sls[0])
	assert.Equal(t, models.Streamline{{0, 1, 0}, {0, 2, 0}}, sls[1])
}

func TestSplitStreamlinesErrors(t *testing.T) {
	points := []float64{0, 0, 0, 1, 1, 1}
	_, err := SplitStreamlines(points, []float64{3})
	assert.ErrorIs(t, err, ErrShape)
	_, err = SplitStreamlines(points, []float64{1})
	assert.ErrorIs(t, err, ErrShape)
	_, err = SplitStreamlines(points, []float64{1.5, 0.5})
	assert.ErrorIs(t, err, ErrShape)
}

func TestReadGradients(t *testing.T) {
	dir := t.TempDir()
	bvals := filepath.Join(dir, "bvals.npy")
	require.NoError(t, WriteFloat64(bvals, []int{3}, []float64{0, 1000, 1000}))

	rows := filepath.Join(dir, "rows.npy")
	require.NoError(t, WriteFloat64(rows, []int{3, 3}, []float64{0, 0, 0, 1, 0, 0, 0, 1, 0}))
	tab, err := ReadGradients(bvals, rows)
	require.NoError(t, err)
	assert.Equal(t, [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}, tab.Bvecs)
	assert.Equal(t, 1, tab.NumB0())

	// FSL layout, one row per axis
	bvals4 := filepath.Join(dir, "bvals4.npy")
	require.NoError(t, WriteFloat64(bvals4, []int{4}, []float64{0, 1000, 1000, 1000}))
	cols := filepath.Join(dir, "cols.npy")
	require.NoError(t, WriteFloat64(cols, []int{3, 4}, []float64{
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 2,
	}))
	tab, err = ReadGradients(bvals4, cols)
	require.NoError(t, err)
	assert.Equal(t, [][3]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, tab.Bvecs)

	bad := filepath.Join(dir, "bad.npy")
	require.NoError(t, WriteFloat64(bad, []int{2, 3}, make([]float64, 6)))
	_, err = ReadGradients(bvals, bad)
	assert.ErrorIs(t, err, ErrShape)
}
