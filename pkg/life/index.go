package life

import (
	"github.com/RoaringBitmap/roaring/v2"

	"dkilife/internal/models"
)

// VoxelNodes lists the nodes of one streamline that fall inside one voxel.
type VoxelNodes struct {
	Voxel int
	Nodes []int
}

// VoxelEntry lists the nodes of one streamline inside a voxel, seen from the
// voxel side.
type VoxelEntry struct {
	Stream int
	Nodes  []int
}

// VoxelIndex relates streamlines to the voxels they visit. Voxels live in an
// arena in first-visit order and are referred to by their arena position.
type VoxelIndex struct {
	// Voxels holds every unique voxel visited by a streamline.
	Voxels []models.Voxel

	postings []*roaring.Bitmap
	entries  [][]VoxelEntry
	byStream [][]VoxelNodes
}

// NewVoxelIndex rounds every node of every streamline onto the voxel grid
// and builds both directions of the voxel-streamline map.
func NewVoxelIndex(streamlines []models.Streamline) *VoxelIndex {
	idx := &VoxelIndex{byStream: make([][]VoxelNodes, len(streamlines))}
	lookup := make(map[models.Voxel]int)

	for s, sl := range streamlines {
		local := make(map[int]int)
		for n, p := range sl {
			vox := models.VoxelOf(p)
			v, ok := lookup[vox]
			if !ok {
				v = len(idx.Voxels)
				lookup[vox] = v
				idx.Voxels = append(idx.Voxels, vox)
				idx.postings = append(idx.postings, roaring.New())
				idx.entries = append(idx.entries, nil)
			}

			pos, ok := local[v]
			if !ok {
				pos = len(idx.byStream[s])
				local[v] = pos
				idx.byStream[s] = append(idx.byStream[s], VoxelNodes{Voxel: v})
			}
			idx.byStream[s][pos].Nodes = append(idx.byStream[s][pos].Nodes, n)
		}

		// Streams are visited in order, so every entry list stays sorted.
		for _, vn := range idx.byStream[s] {
			idx.postings[vn.Voxel].Add(uint32(s))
			idx.entries[vn.Voxel] = append(idx.entries[vn.Voxel], VoxelEntry{Stream: s, Nodes: vn.Nodes})
		}
	}

	return idx
}

// NumVoxels returns the number of unique voxels
func (x *VoxelIndex) NumVoxels() int { return len(x.Voxels) }

// NumStreamlines returns the number of indexed streamlines
func (x *VoxelIndex) NumStreamlines() int { return len(x.byStream) }

// StreamlinesIn returns the ids of streamlines passing through voxel v in
// ascending order.
func (x *VoxelIndex) StreamlinesIn(v int) []int {
	ids := x.postings[v].ToArray()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

// Contains reports whether streamline s passes through voxel v.
func (x *VoxelIndex) Contains(v, s int) bool {
	return x.postings[v].Contains(uint32(s))
}

// Entries returns the streamlines crossing voxel v with their nodes,
// ordered by streamline id.
func (x *VoxelIndex) Entries(v int) []VoxelEntry { return x.entries[v] }

// NodesOf returns the voxels visited by streamline s with their nodes, in
// order of first visit.
func (x *VoxelIndex) NodesOf(s int) []VoxelNodes { return x.byStream[s] }

// Pairs returns the number of (voxel, streamline) pairs, which is the number
// of non-empty columns summed over all voxel blocks.
func (x *VoxelIndex) Pairs() int {
	n := 0
	for _, e := range x.entries {
		n += len(e)
	}
	return n
}

// Covered returns the voxels crossed by at least one streamline of active.
func (x *VoxelIndex) Covered(active *roaring.Bitmap) []int {
	var out []int
	for v, p := range x.postings {
		if p.Intersects(active) {
			out = append(out, v)
		}
	}
	return out
}
