package project

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Identity returns a fresh 4x4 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// FromRowMajor builds a 4x4 matrix from 16 row-major values. It returns nil
// for any other length so callers can treat malformed poses as unsolved.
func FromRowMajor(v []float64) *mat.Dense {
	if len(v) != 16 {
		return nil
	}
	data := make([]float64, 16)
	copy(data, v)
	return mat.NewDense(4, 4, data)
}

// RowMajor flattens a 4x4 matrix. Nil stays nil.
func RowMajor(m mat.Matrix) []float64 {
	if m == nil {
		return nil
	}
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// Homogeneous embeds a 3x3 rotation into a 4x4 transform with no translation.
func Homogeneous(r mat.Matrix) *mat.Dense {
	h := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			h.Set(i, j, r.At(i, j))
		}
	}
	return h
}

// MulPoint applies a 4x4 transform to a point.
func MulPoint(m mat.Matrix, p r3.Vec) r3.Vec {
	in := mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1})
	var out mat.VecDense
	out.MulVec(m, in)
	w := out.AtVec(3)
	if w == 0 {
		w = 1
	}
	return r3.Vec{X: out.AtVec(0) / w, Y: out.AtVec(1) / w, Z: out.AtVec(2) / w}
}

// Rotation extracts the rotation part of a similarity transform by removing
// the per-column scale. It returns false if any column is degenerate.
func Rotation(m mat.Matrix) (*mat.Dense, bool) {
	r := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		col := r3.Vec{X: m.At(0, j), Y: m.At(1, j), Z: m.At(2, j)}
		n := r3.Norm(col)
		if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, false
		}
		r.Set(0, j, col.X/n)
		r.Set(1, j, col.Y/n)
		r.Set(2, j, col.Z/n)
	}
	return r, true
}
