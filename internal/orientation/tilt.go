package orientation

import (
	"gonum.org/v1/gonum/mat"

	"orthobatch/internal/project"
)

// DefaultPitchThreshold is the largest average pitch, in degrees, accepted
// after tilt removal.
const DefaultPitchThreshold = 2.0

// AveragePitch returns the mean pitch over the project's solved cameras.
func AveragePitch(p *project.Project) (float64, bool) {
	avg, ok := Average(p.Cameras, p.Frame())
	if !ok {
		return 0, false
	}
	return avg.Pitch, true
}

// RemoveAveragePitch rotates the chunk transform so the average pitch becomes
// zero. It returns the pitch that was removed, or false when no camera is
// solved, in which case the project is left as is.
func RemoveAveragePitch(p *project.Project) (float64, bool) {
	pitch, ok := AveragePitch(p)
	if !ok {
		return 0, false
	}

	var inv mat.Dense
	// Rotations are orthonormal, so the transpose is the inverse.
	inv.CloneFrom(Matrix(YPR{Pitch: pitch}).T())

	t := p.Transform
	if t == nil {
		t = project.Identity()
	}
	var corrected mat.Dense
	corrected.Mul(project.Homogeneous(&inv), t)
	p.Transform = &corrected
	return pitch, true
}
