package orientation

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"orthobatch/internal/project"
)

const tolerance = 1e-6

// cameraAt builds a solved camera whose sample in an identity local frame is ypr.
func cameraAt(label string, ypr YPR, x float64) *project.Camera {
	var r mat.Dense
	r.Mul(Matrix(ypr), mat.NewDiagDense(3, []float64{1, -1, -1}))
	t := project.Homogeneous(&r)
	t.Set(0, 3, x)
	t.Set(2, 3, 10)
	return &project.Camera{Label: label, Transform: t}
}

func localFrame() project.Frame {
	return project.Frame{Transform: project.Identity(), CRS: project.Local{}}
}

func TestNormalizeYawRange(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{180, 180},
		{-180, 180},
		{181, -179},
		{-181, 179},
		{540, 180},
		{-540, 180},
		{725, 5},
		{359.5, -0.5},
	}
	for _, tc := range cases {
		if got := NormalizeYaw(tc.in); math.Abs(got-tc.want) > tolerance {
			t.Fatalf("NormalizeYaw(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeYawIdempotentAndCongruent(t *testing.T) {
	for x := -1000.0; x <= 1000; x += 7.3 {
		n := NormalizeYaw(x)
		if n <= -180 || n > 180 {
			t.Fatalf("NormalizeYaw(%v) = %v outside (-180, 180]", x, n)
		}
		if again := NormalizeYaw(n); again != n {
			t.Fatalf("not idempotent at %v: %v then %v", x, n, again)
		}
		k := (x - n) / 360
		if math.Abs(k-math.Round(k)) > 1e-9 {
			t.Fatalf("NormalizeYaw(%v) = %v is not congruent mod 360", x, n)
		}
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	cases := []YPR{
		{},
		{Yaw: 40, Pitch: 3, Roll: -2},
		{Yaw: -170, Pitch: 179, Roll: 45},
		{Yaw: 90, Pitch: -7.5, Roll: 80},
	}
	for _, want := range cases {
		got, ok := FromMatrix(Matrix(want))
		if !ok {
			t.Fatalf("FromMatrix(%+v) undefined", want)
		}
		if math.Abs(got.Yaw-want.Yaw) > tolerance || math.Abs(got.Pitch-want.Pitch) > tolerance || math.Abs(got.Roll-want.Roll) > tolerance {
			t.Fatalf("round trip %+v -> %+v", want, got)
		}
	}
}

func TestFromMatrixGimbalLock(t *testing.T) {
	if _, ok := FromMatrix(Matrix(YPR{Yaw: 10, Pitch: 20, Roll: 90})); ok {
		t.Fatalf("expected gimbal lock to be undefined")
	}
}

func TestSampleSkipsUnsolvedCamera(t *testing.T) {
	if _, ok := Sample(&project.Camera{Label: "unsolved"}, localFrame()); ok {
		t.Fatalf("expected unsolved camera to have no sample")
	}
	got, ok := Sample(cameraAt("c", YPR{Yaw: 12, Pitch: -3, Roll: 1}, 0), localFrame())
	if !ok {
		t.Fatalf("expected sample for solved camera")
	}
	if math.Abs(got.Yaw-12) > tolerance || math.Abs(got.Pitch+3) > tolerance || math.Abs(got.Roll-1) > tolerance {
		t.Fatalf("unexpected sample %+v", got)
	}
}

func TestSampleIgnoresChunkScale(t *testing.T) {
	frame := localFrame()
	frame.Transform.Set(0, 0, 2.5)
	frame.Transform.Set(1, 1, 2.5)
	frame.Transform.Set(2, 2, 2.5)
	got, ok := Sample(cameraAt("c", YPR{Yaw: 5, Pitch: 4, Roll: 3}, 1), frame)
	if !ok || math.Abs(got.Pitch-4) > tolerance {
		t.Fatalf("expected scale-free sample, got %+v ok=%v", got, ok)
	}
}

func TestAverageUsesNormalizedYaw(t *testing.T) {
	cams := []*project.Camera{
		cameraAt("a", YPR{Yaw: 170}, 0),
		cameraAt("b", YPR{Yaw: 178}, 1),
		cameraAt("c", YPR{Yaw: -176}, 2),
		{Label: "unsolved"},
	}
	avg, ok := Average(cams, localFrame())
	if !ok {
		t.Fatalf("expected a defined average")
	}
	want := (170.0 + 178.0 - 176.0) / 3
	if math.Abs(avg.Yaw-want) > tolerance {
		t.Fatalf("average yaw = %v, want %v", avg.Yaw, want)
	}
	if avg.Yaw <= -180 || avg.Yaw > 180 {
		t.Fatalf("average yaw %v outside (-180, 180]", avg.Yaw)
	}
}

func TestAverageUndefinedWithoutSolvedCameras(t *testing.T) {
	if _, ok := Average([]*project.Camera{{Label: "a"}, {Label: "b"}}, localFrame()); ok {
		t.Fatalf("expected undefined average")
	}
	if _, ok := Average(nil, localFrame()); ok {
		t.Fatalf("expected undefined average for no cameras")
	}
}

func TestFindOutliers(t *testing.T) {
	cluster := func() []*project.Camera {
		var cams []*project.Camera
		for i := 0; i < 9; i++ {
			cams = append(cams, cameraAt("c", YPR{Yaw: float64(i%3) - 1, Pitch: 0.5, Roll: -0.5}, float64(i)))
		}
		return cams
	}

	tests := []struct {
		name  string
		extra *project.Camera
		want  bool
	}{
		{"within threshold", cameraAt("ok", YPR{Yaw: 1.5, Pitch: 1, Roll: 0}, 10), false},
		{"yaw outlier", cameraAt("yaw", YPR{Yaw: 40}, 10), true},
		{"pitch outlier", cameraAt("pitch", YPR{Pitch: 12}, 10), true},
		{"roll outlier", cameraAt("roll", YPR{Roll: -9}, 10), true},
		{"unsolved ignored", &project.Camera{Label: "unsolved"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cams := append(cluster(), tc.extra)
			if got := FindOutliers(cams, localFrame(), DefaultOutlierThreshold); got != tc.want {
				t.Fatalf("FindOutliers = %v, want %v (outliers %+v)", got, tc.want, Outliers(cams, localFrame(), DefaultOutlierThreshold))
			}
		})
	}
}

func TestFindOutliersAcrossYawSeam(t *testing.T) {
	cams := []*project.Camera{
		cameraAt("a", YPR{Yaw: 179}, 0),
		cameraAt("b", YPR{Yaw: -179}, 1),
		cameraAt("c", YPR{Yaw: 179.5}, 2),
		cameraAt("d", YPR{Yaw: -179.5}, 3),
	}
	// The normalized mean sits near 0, so every camera deviates by ~180°.
	// This documents that averaging is arithmetic over normalized yaws.
	if !FindOutliers(cams, localFrame(), DefaultOutlierThreshold) {
		t.Fatalf("expected seam-straddling cameras to disagree with their arithmetic mean")
	}
}

func TestRemoveAveragePitch(t *testing.T) {
	for _, p := range []float64{3, -7.5, 179} {
		proj := &project.Project{CRS: project.Local{}}
		for i, d := range []float64{-0.4, 0, 0.4} {
			proj.Cameras = append(proj.Cameras, cameraAt("c", YPR{Yaw: float64(i) * 10, Pitch: p + d, Roll: float64(i) - 1}, float64(i)))
		}
		before, ok := AveragePitch(proj)
		if !ok || math.Abs(before-p) > tolerance {
			t.Fatalf("p=%v: average pitch before = %v ok=%v", p, before, ok)
		}
		removed, ok := RemoveAveragePitch(proj)
		if !ok || math.Abs(removed-p) > tolerance {
			t.Fatalf("p=%v: removed %v ok=%v", p, removed, ok)
		}
		after, ok := AveragePitch(proj)
		if !ok {
			t.Fatalf("p=%v: average pitch undefined after correction", p)
		}
		if math.Abs(after) > tolerance {
			t.Fatalf("p=%v: average pitch after correction = %v", p, after)
		}
	}
}

func TestRemoveAveragePitchNoSolvedCameras(t *testing.T) {
	proj := &project.Project{Cameras: []*project.Camera{{Label: "a"}}}
	if _, ok := RemoveAveragePitch(proj); ok {
		t.Fatalf("expected no correction without solved cameras")
	}
	if proj.Transform != nil {
		t.Fatalf("transform must be left untouched")
	}
}

func TestSampleGeocentricFrame(t *testing.T) {
	// A nadir camera 100 m above the equator/prime meridian looks straight down.
	enu := project.Geocentric{}.LocalFrame(r3Point(6378137+100, 0, 0))
	var enuToWorld mat.Dense
	enuToWorld.CloneFrom(enu.Slice(0, 3, 0, 3).T())
	var r mat.Dense
	r.Mul(&enuToWorld, mat.NewDiagDense(3, []float64{1, -1, -1}))
	cam := &project.Camera{Label: "nadir", Transform: project.Homogeneous(&r)}
	cam.Transform.Set(0, 3, 6378137+100)

	got, ok := Sample(cam, project.Frame{Transform: project.Identity(), CRS: project.Geocentric{}})
	if !ok {
		t.Fatalf("expected defined sample")
	}
	if math.Abs(got.Yaw) > tolerance || math.Abs(got.Pitch) > tolerance || math.Abs(got.Roll) > tolerance {
		t.Fatalf("expected level nadir orientation, got %+v", got)
	}
}
