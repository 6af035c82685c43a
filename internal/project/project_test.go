package project

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestPaths(t *testing.T) {
	if got := Name("/data/flights/site7/"); got != "site7" {
		t.Fatalf("Name = %q", got)
	}
	if got := FilePath("/data/site7", "psx"); got != "/data/site7/site7.psx" {
		t.Fatalf("FilePath = %q", got)
	}
	if got := FilePath("/data/site7", ".psx"); got != "/data/site7/site7.psx" {
		t.Fatalf("FilePath = %q", got)
	}
	if got := RasterPath("/data/site7/site7.psx"); got != "/data/site7/site7.tif" {
		t.Fatalf("RasterPath = %q", got)
	}
}

func TestRowMajorRoundTrip(t *testing.T) {
	in := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 0, 0, 1}
	m := FromRowMajor(in)
	if m == nil {
		t.Fatalf("expected matrix")
	}
	in[0] = 99
	if m.At(0, 0) != 1 {
		t.Fatalf("FromRowMajor must copy its input")
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0, 0, 0, 1}, RowMajor(m)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if FromRowMajor(make([]float64, 12)) != nil {
		t.Fatalf("expected nil for a malformed pose")
	}
	if RowMajor(nil) != nil {
		t.Fatalf("expected nil for nil matrix")
	}
}

func TestRotationRemovesScale(t *testing.T) {
	m := mat.NewDense(4, 4, []float64{
		0, -2, 0, 5,
		2, 0, 0, 6,
		0, 0, 2, 7,
		0, 0, 0, 1,
	})
	r, ok := Rotation(m)
	if !ok {
		t.Fatalf("expected rotation")
	}
	want := []float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	if diff := cmp.Diff(want, r.RawMatrix().Data, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("rotation mismatch (-want +got):\n%s", diff)
	}

	degenerate := Identity()
	degenerate.Set(1, 1, 0)
	if _, ok := Rotation(degenerate); ok {
		t.Fatalf("expected failure for a zero column")
	}
}

func TestMulPointAndHomogeneous(t *testing.T) {
	rz := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	h := Homogeneous(rz)
	h.Set(2, 3, 10)
	got := MulPoint(h, r3.Vec{X: 1, Y: 0, Z: 0})
	want := r3.Vec{X: 0, Y: 1, Z: 10}
	if r3.Norm(r3.Sub(got, want)) > 1e-12 {
		t.Fatalf("MulPoint = %v, want %v", got, want)
	}
}

func TestCameraCenterAndSolved(t *testing.T) {
	var unsolved *Camera
	if unsolved.Solved() {
		t.Fatalf("nil camera is not solved")
	}
	cam := &Camera{Label: "a", Transform: Identity()}
	cam.Transform.Set(0, 3, 4)
	c, ok := cam.Center()
	if !ok || c.X != 4 {
		t.Fatalf("Center = %v, %v", c, ok)
	}

	p := &Project{Cameras: []*Camera{cam, {Label: "b"}}}
	if n := len(p.SolvedCameras()); n != 1 {
		t.Fatalf("expected one solved camera, got %d", n)
	}
	f := p.Frame()
	if f.CRS.Name() != "local" || f.Transform == nil {
		t.Fatalf("expected identity/local fallback, got %+v", f)
	}
}

func TestGeocentricFrameIsENU(t *testing.T) {
	// A point on the equator at longitude 90E: east is -X, north is +Z, up is +Y.
	p := r3.Vec{X: 0, Y: 6378137, Z: 0}
	m := Geocentric{}.LocalFrame(p)
	origin := MulPoint(m, p)
	if r3.Norm(origin) > 1e-6 {
		t.Fatalf("anchor should map to the origin, got %v", origin)
	}
	up := MulPoint(m, r3.Vec{X: 0, Y: 6378137 + 10, Z: 0})
	if math.Abs(up.Z-10) > 1e-6 || math.Abs(up.X) > 1e-6 || math.Abs(up.Y) > 1e-6 {
		t.Fatalf("expected 10 m up, got %v", up)
	}
	east := MulPoint(m, r3.Vec{X: -5, Y: 6378137, Z: 0})
	if math.Abs(east.X-5) > 1e-6 {
		t.Fatalf("expected 5 m east, got %v", east)
	}
}

func TestCRSByName(t *testing.T) {
	for name, want := range map[string]string{"geocentric": "geocentric", "EPSG:4978": "geocentric", "local": "local", "": "local"} {
		if got := CRSByName(name).Name(); got != want {
			t.Fatalf("CRSByName(%q) = %q, want %q", name, got, want)
		}
	}
}
