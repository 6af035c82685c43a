// Package orientation turns raw camera poses into yaw/pitch/roll angles,
// aggregates them across a project and removes systematic tilt.
//
// Angles are in degrees. A rotation decomposes as R = Rx(pitch)·Ry(roll)·Rz(yaw)
// in the local east-north-up frame: yaw turns about the vertical, pitch about
// the lateral (east) axis and roll about the longitudinal (north) axis. Pitch
// is the outermost factor, so left-multiplying by Rx(-p) shifts pitch by
// exactly -p and leaves yaw and roll alone.
package orientation

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// YPR is an orientation sample in degrees.
type YPR struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// gimbalEpsilon bounds |cos(roll)| below which yaw and pitch are not separable.
const gimbalEpsilon = 1e-9

// NormalizeYaw wraps an angle into (-180, 180].
func NormalizeYaw(yaw float64) float64 {
	r := math.Mod(yaw, 360)
	if r <= -180 {
		r += 360
	} else if r > 180 {
		r -= 360
	}
	return r
}

// Matrix builds the 3x3 rotation for an orientation.
func Matrix(a YPR) *mat.Dense {
	var out, tmp mat.Dense
	tmp.Mul(rotY(a.Roll), rotZ(a.Yaw))
	out.Mul(rotX(a.Pitch), &tmp)
	return &out
}

// FromMatrix decomposes a 3x3 rotation. It returns false when the rotation
// is degenerate: gimbal lock at roll = ±90° or non-finite input.
func FromMatrix(r mat.Matrix) (YPR, bool) {
	sinRoll := clamp(r.At(0, 2), -1, 1)
	cosRoll := math.Sqrt(1 - sinRoll*sinRoll)
	if cosRoll < gimbalEpsilon || math.IsNaN(sinRoll) {
		return YPR{}, false
	}
	out := YPR{
		Yaw:   degrees(math.Atan2(-r.At(0, 1), r.At(0, 0))),
		Pitch: degrees(math.Atan2(-r.At(1, 2), r.At(2, 2))),
		Roll:  degrees(math.Asin(sinRoll)),
	}
	if math.IsNaN(out.Yaw) || math.IsNaN(out.Pitch) {
		return YPR{}, false
	}
	return out, true
}

func rotX(deg float64) *mat.Dense {
	s, c := math.Sincos(radians(deg))
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

func rotY(deg float64) *mat.Dense {
	s, c := math.Sincos(radians(deg))
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

func rotZ(deg float64) *mat.Dense {
	s, c := math.Sincos(radians(deg))
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
