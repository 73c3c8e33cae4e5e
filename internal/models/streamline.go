package models

import "math"

// Point is a single 3D coordinate
type Point [3]float64

// Sub returns p - q
func (p Point) Sub(q Point) Point {
	return Point{p[0] - q[0], p[1] - q[1], p[2] - q[2]}
}

// Norm returns the Euclidean length of p
func (p Point) Norm() float64 {
	return math.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
}

// Streamline represents one candidate fiber path
type Streamline []Point

// Voxel identifies a unit volume in the image grid
type Voxel struct {
	X, Y, Z int
}

// VoxelOf returns the voxel containing p. Each axis is rounded to the
// nearest integer, with ties rounded away from zero on every axis.
func VoxelOf(p Point) Voxel {
	return Voxel{
		X: int(math.Round(p[0])),
		Y: int(math.Round(p[1])),
		Z: int(math.Round(p[2])),
	}
}

// Affine is a 4x4 homogeneous transform stored in row-major order
type Affine [4][4]float64

// Identity returns the identity transform
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// IsIdentity reports whether a is exactly the identity transform
func (a Affine) IsIdentity() bool {
	return a == Identity()
}

// Apply maps p through the affine transform
func (a Affine) Apply(p Point) Point {
	var out Point
	for i := 0; i < 3; i++ {
		out[i] = a[i][0]*p[0] + a[i][1]*p[1] + a[i][2]*p[2] + a[i][3]
	}
	return out
}

// Transform applies a to every node of s and returns a new streamline
func (a Affine) Transform(s Streamline) Streamline {
	out := make(Streamline, len(s))
	for i, p := range s {
		out[i] = a.Apply(p)
	}
	return out
}
