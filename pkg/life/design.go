package life

import (
	"context"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// BlockSource yields the dense block of every voxel of a design operator.
// Block v has NumDirections rows and one column per streamline crossing v;
// the returned ids map block columns to streamlines.
//
// VoxelBlock may fill and return scratch, so the block is only valid until
// the next call with the same scratch.
type BlockSource interface {
	NumVoxels() int
	NumDirections() int
	NumStreamlines() int
	VoxelBlock(v int, scratch *mat.Dense) (*mat.Dense, []int)
}

// fillBlock writes the block of one voxel into scratch. Column j is the sum
// of the node signals of entries[j] inside the voxel.
func fillBlock(scratch *mat.Dense, entries []VoxelEntry, signals NodeSignals) *mat.Dense {
	nDir := signals.NumDirections()
	scratch.Reset()
	scratch.ReuseAs(nDir, len(entries))

	raw := scratch.RawMatrix()
	for j, e := range entries {
		for _, n := range e.Nodes {
			sig := signals.NodeSignal(e.Stream, n)
			for i, s := range sig {
				raw.Data[i*raw.Stride+j] += s
			}
		}
	}
	return scratch
}

func entryColumns(entries []VoxelEntry) []int {
	cols := make([]int, len(entries))
	for j, e := range entries {
		cols[j] = e.Stream
	}
	return cols
}

// StreamingBlocks rebuilds voxel blocks on demand from the index and the
// node signals, so the full operator is never held in memory.
type StreamingBlocks struct {
	index   *VoxelIndex
	signals NodeSignals
	cols    [][]int
}

// NewStreamingBlocks creates a BlockSource backed by index and signals.
func NewStreamingBlocks(index *VoxelIndex, signals NodeSignals) *StreamingBlocks {
	cols := make([][]int, index.NumVoxels())
	for v := range cols {
		cols[v] = entryColumns(index.Entries(v))
	}
	return &StreamingBlocks{index: index, signals: signals, cols: cols}
}

func (b *StreamingBlocks) NumVoxels() int      { return b.index.NumVoxels() }
func (b *StreamingBlocks) NumDirections() int  { return b.signals.NumDirections() }
func (b *StreamingBlocks) NumStreamlines() int { return b.index.NumStreamlines() }

// VoxelBlock builds block v into scratch.
func (b *StreamingBlocks) VoxelBlock(v int, scratch *mat.Dense) (*mat.Dense, []int) {
	return fillBlock(scratch, b.index.Entries(v), b.signals), b.cols[v]
}

// DesignOperator is the block-sparse linear map from streamline weights to
// the demeaned diffusion-weighted signal of every voxel. Rows are ordered
// voxel-major: row v*NumDirections+i is direction i of voxel v.
type DesignOperator struct {
	nDir     int
	nStreams int
	blocks   []*mat.Dense
	cols     [][]int
}

// Assemble materializes every voxel block. Voxels are split into one chunk
// per worker; chunks write disjoint blocks.
func Assemble(ctx context.Context, index *VoxelIndex, signals NodeSignals, workers int) (*DesignOperator, error) {
	nVox := index.NumVoxels()
	op := &DesignOperator{
		nDir:     signals.NumDirections(),
		nStreams: index.NumStreamlines(),
		blocks:   make([]*mat.Dense, nVox),
		cols:     make([][]int, nVox),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, c := range chunks(nVox, workers) {
		g.Go(func() error {
			for v := c.lo; v < c.hi; v++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				entries := index.Entries(v)
				op.blocks[v] = fillBlock(&mat.Dense{}, entries, signals)
				op.cols[v] = entryColumns(entries)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return op, nil
}

// Dims returns the shape of the operator
func (op *DesignOperator) Dims() (r, c int) { return len(op.blocks) * op.nDir, op.nStreams }

func (op *DesignOperator) NumVoxels() int      { return len(op.blocks) }
func (op *DesignOperator) NumDirections() int  { return op.nDir }
func (op *DesignOperator) NumStreamlines() int { return op.nStreams }

// Block returns the block of voxel v and the streamline of each column.
func (op *DesignOperator) Block(v int) (*mat.Dense, []int) { return op.blocks[v], op.cols[v] }

// VoxelBlock implements BlockSource; scratch is unused.
func (op *DesignOperator) VoxelBlock(v int, _ *mat.Dense) (*mat.Dense, []int) {
	return op.Block(v)
}

// NNZ returns the number of stored entries
func (op *DesignOperator) NNZ() int {
	n := 0
	for _, c := range op.cols {
		n += len(c) * op.nDir
	}
	return n
}

// Mul returns X*beta.
func (op *DesignOperator) Mul(beta []float64) []float64 {
	dst := make([]float64, len(op.blocks)*op.nDir)
	mulTo(dst, op, beta, nil)
	return dst
}

// MulTrans returns X^T*r.
func (op *DesignOperator) MulTrans(r []float64) []float64 {
	dst := make([]float64, op.nStreams)
	mulTransTo(dst, op, r, nil)
	return dst
}

// mulTo writes src*beta into dst for every voxel. scratch may be nil.
func mulTo(dst []float64, src BlockSource, beta []float64, scratch *mat.Dense) {
	mulRangeTo(dst, src, beta, scratch, 0, src.NumVoxels())
}

func mulRangeTo(dst []float64, src BlockSource, beta []float64, scratch *mat.Dense, lo, hi int) {
	if scratch == nil {
		scratch = &mat.Dense{}
	}
	nDir := src.NumDirections()
	for v := lo; v < hi; v++ {
		block, cols := src.VoxelBlock(v, scratch)
		out := mat.NewVecDense(nDir, dst[v*nDir:(v+1)*nDir])
		if len(cols) == 0 {
			out.Zero()
			continue
		}
		out.MulVec(block, gather(beta, cols))
	}
}

// mulTransTo writes src^T*r into dst. scratch may be nil.
func mulTransTo(dst []float64, src BlockSource, r []float64, scratch *mat.Dense) {
	for i := range dst {
		dst[i] = 0
	}
	mulTransRangeTo(dst, src, r, scratch, 0, src.NumVoxels())
}

// mulTransRangeTo adds the contribution of voxels [lo, hi) to src^T*r.
func mulTransRangeTo(dst []float64, src BlockSource, r []float64, scratch *mat.Dense, lo, hi int) {
	if scratch == nil {
		scratch = &mat.Dense{}
	}
	nDir := src.NumDirections()
	var tmp mat.VecDense
	for v := lo; v < hi; v++ {
		block, cols := src.VoxelBlock(v, scratch)
		if len(cols) == 0 {
			continue
		}
		tmp.Reset()
		tmp.MulVec(block.T(), mat.NewVecDense(nDir, r[v*nDir:(v+1)*nDir]))
		for j, c := range cols {
			dst[c] += tmp.AtVec(j)
		}
	}
}

func gather(beta []float64, cols []int) *mat.VecDense {
	out := mat.NewVecDense(len(cols), nil)
	for j, c := range cols {
		out.SetVec(j, beta[c])
	}
	return out
}

// chunk is a half-open range of voxels
type chunk struct{ lo, hi int }

// chunks splits n voxels into at most workers contiguous ranges.
func chunks(n, workers int) []chunk {
	if workers < 1 {
		workers = 1
	}
	if n == 0 {
		return nil
	}
	if workers > n {
		workers = n
	}
	size := (n + workers - 1) / workers
	out := make([]chunk, 0, workers)
	for lo := 0; lo < n; lo += size {
		out = append(out, chunk{lo: lo, hi: min(lo+size, n)})
	}
	return out
}
