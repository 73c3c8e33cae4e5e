package life

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkilife/internal/models"
)

func TestVoxelIndex(t *testing.T) {
	sl := []models.Streamline{
		{{0, 0, 0}, {0.4, 0, 0}, {1, 0, 0}, {0.2, 0, 0}},
		{{1, 0, 0}, {1, 1, 0}},
		{{5, 5, 5}, {5.5, 5, 5}},
	}
	idx := NewVoxelIndex(sl)

	require.Equal(t, 5, idx.NumVoxels())
	assert.Equal(t, 3, idx.NumStreamlines())
	assert.Equal(t, []models.Voxel{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 0}, {X: 5, Y: 5, Z: 5}, {X: 6, Y: 5, Z: 5}}, idx.Voxels)

	// streamline 0 re-enters voxel 0 at node 3
	assert.Equal(t, []VoxelNodes{{Voxel: 0, Nodes: []int{0, 1, 3}}, {Voxel: 1, Nodes: []int{2}}}, idx.NodesOf(0))

	assert.Equal(t, []int{0, 1}, idx.StreamlinesIn(1))
	assert.True(t, idx.Contains(1, 1))
	assert.False(t, idx.Contains(0, 1))

	entries := idx.Entries(1)
	require.Len(t, entries, 2)
	assert.Equal(t, 0, entries[0].Stream)
	assert.Equal(t, 1, entries[1].Stream)
	assert.Equal(t, []int{0}, entries[1].Nodes)

	assert.Equal(t, 6, idx.Pairs())
}

func TestVoxelIndexEveryNodeOnce(t *testing.T) {
	sl := []models.Streamline{
		{{0, 0, 0}, {0.5, 0.5, 0.5}, {1.49, 1.5, 0}, {-0.5, 0, 0}},
		{{2, 2, 2}, {2.2, 2.2, 2.2}, {2.6, 2.6, 2.6}},
	}
	idx := NewVoxelIndex(sl)

	for s, line := range sl {
		seen := make(map[int]int)
		for _, vn := range idx.NodesOf(s) {
			assert.True(t, idx.Contains(vn.Voxel, s))
			for _, n := range vn.Nodes {
				seen[n]++
				assert.Equal(t, models.VoxelOf(line[n]), idx.Voxels[vn.Voxel])
			}
		}
		assert.Len(t, seen, len(line))
		for _, c := range seen {
			assert.Equal(t, 1, c)
		}
	}
	for v := 0; v < idx.NumVoxels(); v++ {
		assert.NotEmpty(t, idx.StreamlinesIn(v))
	}
}

func TestVoxelIndexEmpty(t *testing.T) {
	idx := NewVoxelIndex(nil)
	assert.Zero(t, idx.NumVoxels())
	assert.Zero(t, idx.NumStreamlines())
	assert.Zero(t, idx.Pairs())
}

func TestVoxelIndexCovered(t *testing.T) {
	sl := []models.Streamline{
		{{0, 0, 0}, {1, 0, 0}},
		{{1, 0, 0}, {2, 0, 0}},
	}
	idx := NewVoxelIndex(sl)

	active := roaring.New()
	active.Add(1)
	assert.Equal(t, []int{1, 2}, idx.Covered(active))
	assert.Empty(t, idx.Covered(roaring.New()))
}
