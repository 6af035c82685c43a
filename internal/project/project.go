package project

import (
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Project is the reconstruction state the engine reports for one project folder.
type Project struct {
	Path      string     // project file on disk
	Folder    string     // owning project folder
	Cameras   []*Camera  // one per ingested photo
	Markers   []*Marker  // detected control points
	Transform *mat.Dense // 4x4 chunk-to-world transform, nil means identity
	CRS       CRS
}

// Camera is one source photo and its solved pose.
type Camera struct {
	Label     string
	Photo     string
	Transform *mat.Dense // 4x4 camera-to-chunk transform, nil until aligned
	Reference CameraReference
}

// CameraReference carries the orientation prior handed to the aligner.
type CameraReference struct {
	Rotation         *r3.Vec // yaw, pitch, roll in degrees
	RotationAccuracy *r3.Vec
}

// Marker is a detected control point.
type Marker struct {
	Label     string
	Reference *MarkerReference
}

// MarkerReference is the surveyed position assigned to a marker.
type MarkerReference struct {
	Location r3.Vec
	Accuracy r3.Vec
}

// Frame bundles what is needed to express a camera pose in local tangent coordinates.
type Frame struct {
	Transform *mat.Dense
	CRS       CRS
}

// Solved reports whether the camera carries a pose.
func (c *Camera) Solved() bool {
	return c != nil && c.Transform != nil
}

// Center returns the camera position in chunk coordinates.
func (c *Camera) Center() (r3.Vec, bool) {
	if !c.Solved() {
		return r3.Vec{}, false
	}
	return r3.Vec{X: c.Transform.At(0, 3), Y: c.Transform.At(1, 3), Z: c.Transform.At(2, 3)}, true
}

// Frame returns the project's coordinate frame. A nil transform or CRS
// falls back to identity and a local cartesian system.
func (p *Project) Frame() Frame {
	t := p.Transform
	if t == nil {
		t = Identity()
	}
	crs := p.CRS
	if crs == nil {
		crs = Local{}
	}
	return Frame{Transform: t, CRS: crs}
}

// SolvedCameras returns the cameras that carry a pose.
func (p *Project) SolvedCameras() []*Camera {
	var out []*Camera
	for _, c := range p.Cameras {
		if c.Solved() {
			out = append(out, c)
		}
	}
	return out
}

// Name is the project name derived from the owning folder.
func Name(folder string) string {
	return filepath.Base(filepath.Clean(folder))
}

// FilePath returns the project file path for a folder, e.g. site7/site7.psx.
func FilePath(folder, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(folder, Name(folder)+ext)
}

// RasterPath mirrors the project file path with a .tif extension.
func RasterPath(projectFile string) string {
	return strings.TrimSuffix(projectFile, filepath.Ext(projectFile)) + ".tif"
}
