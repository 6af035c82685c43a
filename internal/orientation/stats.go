package orientation

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"orthobatch/internal/project"
)

// DefaultOutlierThreshold is the per-axis deviation, in degrees, above which a
// camera disagrees with the rest of the block.
const DefaultOutlierThreshold = 5.0

// flipYZ turns the camera axes (x right, y down, z forward) into the
// right/up/backward convention used for yaw/pitch/roll.
var flipYZ = mat.NewDiagDense(4, []float64{1, -1, -1, 1})

// Sample computes one camera's orientation relative to the local tangent frame
// at its position. It returns false for unsolved cameras and degenerate poses.
func Sample(cam *project.Camera, frame project.Frame) (YPR, bool) {
	center, ok := cam.Center()
	if !ok {
		return YPR{}, false
	}
	t := frame.Transform
	if t == nil {
		t = project.Identity()
	}
	crs := frame.CRS
	if crs == nil {
		crs = project.Local{}
	}

	local := crs.LocalFrame(project.MulPoint(t, center))

	var cameraFlip, world, m mat.Dense
	cameraFlip.Mul(cam.Transform, flipYZ)
	world.Mul(t, &cameraFlip)
	m.Mul(local, &world)

	r, ok := project.Rotation(&m)
	if !ok {
		return YPR{}, false
	}
	return FromMatrix(r)
}

// Samples returns the defined orientation samples keyed by camera index.
func Samples(cams []*project.Camera, frame project.Frame) map[int]YPR {
	out := make(map[int]YPR, len(cams))
	for i, cam := range cams {
		if s, ok := Sample(cam, frame); ok {
			out[i] = s
		}
	}
	return out
}

// Average is the arithmetic mean orientation over all cameras with a defined
// sample. Yaw is normalized before averaging. It returns false when no camera
// has a defined sample.
func Average(cams []*project.Camera, frame project.Frame) (YPR, bool) {
	var yaws, pitches, rolls []float64
	for _, cam := range cams {
		s, ok := Sample(cam, frame)
		if !ok {
			continue
		}
		yaws = append(yaws, NormalizeYaw(s.Yaw))
		pitches = append(pitches, s.Pitch)
		rolls = append(rolls, s.Roll)
	}
	if len(yaws) == 0 {
		return YPR{}, false
	}
	return YPR{
		Yaw:   stat.Mean(yaws, nil),
		Pitch: stat.Mean(pitches, nil),
		Roll:  stat.Mean(rolls, nil),
	}, true
}

// Outlier describes a camera whose orientation disagrees with the average.
type Outlier struct {
	Camera    string
	Sample    YPR
	Deviation YPR // absolute per-axis difference from the average
}

// Outliers lists the cameras deviating from the average by more than
// threshold degrees on any axis.
func Outliers(cams []*project.Camera, frame project.Frame, threshold float64) []Outlier {
	avg, ok := Average(cams, frame)
	if !ok {
		return nil
	}
	var out []Outlier
	for _, cam := range cams {
		s, ok := Sample(cam, frame)
		if !ok {
			continue
		}
		d := YPR{
			Yaw:   math.Abs(NormalizeYaw(NormalizeYaw(s.Yaw) - avg.Yaw)),
			Pitch: math.Abs(s.Pitch - avg.Pitch),
			Roll:  math.Abs(s.Roll - avg.Roll),
		}
		if d.Yaw > threshold || d.Pitch > threshold || d.Roll > threshold {
			out = append(out, Outlier{Camera: cam.Label, Sample: s, Deviation: d})
		}
	}
	return out
}

// FindOutliers reports whether any camera is a rotation outlier.
func FindOutliers(cams []*project.Camera, frame project.Frame, threshold float64) bool {
	return len(Outliers(cams, frame, threshold)) > 0
}
