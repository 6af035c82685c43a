package engine

import (
	"gonum.org/v1/gonum/spatial/r3"

	"orthobatch/internal/project"
)

// Snapshot is the wire form of a project exchanged with the engine bridge.
// Transforms are 16 row-major values; an unsolved camera has none.
type Snapshot struct {
	Path      string        `json:"path"`
	Cameras   []CameraState `json:"cameras"`
	Markers   []MarkerState `json:"markers"`
	Transform []float64     `json:"transform,omitempty"`
	CRS       string        `json:"crs,omitempty"`
}

type CameraState struct {
	Label            string      `json:"label"`
	Photo            string      `json:"photo,omitempty"`
	Transform        []float64   `json:"transform"`
	Rotation         *[3]float64 `json:"rotation,omitempty"`
	RotationAccuracy *[3]float64 `json:"rotation_accuracy,omitempty"`
}

type MarkerState struct {
	Label    string      `json:"label"`
	Location *[3]float64 `json:"location,omitempty"`
	Accuracy *[3]float64 `json:"accuracy,omitempty"`
}

// SnapshotOf converts a project for the wire.
func SnapshotOf(p *project.Project) Snapshot {
	s := Snapshot{Path: p.Path}
	if p.Transform != nil {
		s.Transform = project.RowMajor(p.Transform)
	}
	if p.CRS != nil {
		s.CRS = p.CRS.Name()
	}
	for _, c := range p.Cameras {
		cs := CameraState{
			Label:            c.Label,
			Photo:            c.Photo,
			Rotation:         vecArray(c.Reference.Rotation),
			RotationAccuracy: vecArray(c.Reference.RotationAccuracy),
		}
		if c.Transform != nil {
			cs.Transform = project.RowMajor(c.Transform)
		}
		s.Cameras = append(s.Cameras, cs)
	}
	for _, m := range p.Markers {
		ms := MarkerState{Label: m.Label}
		if m.Reference != nil {
			ms.Location = vecArray(&m.Reference.Location)
			ms.Accuracy = vecArray(&m.Reference.Accuracy)
		}
		s.Markers = append(s.Markers, ms)
	}
	return s
}

// Project converts a snapshot back into a project owned by folder.
func (s Snapshot) Project(folder string) *project.Project {
	p := &project.Project{
		Path:      s.Path,
		Folder:    folder,
		Transform: project.FromRowMajor(s.Transform),
		CRS:       project.CRSByName(s.CRS),
	}
	for _, cs := range s.Cameras {
		p.Cameras = append(p.Cameras, &project.Camera{
			Label:     cs.Label,
			Photo:     cs.Photo,
			Transform: project.FromRowMajor(cs.Transform),
			Reference: project.CameraReference{
				Rotation:         arrayVec(cs.Rotation),
				RotationAccuracy: arrayVec(cs.RotationAccuracy),
			},
		})
	}
	for _, ms := range s.Markers {
		m := &project.Marker{Label: ms.Label}
		if ms.Location != nil {
			ref := &project.MarkerReference{Location: *arrayVec(ms.Location)}
			if ms.Accuracy != nil {
				ref.Accuracy = *arrayVec(ms.Accuracy)
			}
			m.Reference = ref
		}
		p.Markers = append(p.Markers, m)
	}
	return p
}

// apply copies the engine's view of the reconstruction onto p, keeping the
// caller's pointer stable.
func (s Snapshot) apply(p *project.Project) {
	fresh := s.Project(p.Folder)
	if fresh.Path == "" {
		fresh.Path = p.Path
	}
	*p = *fresh
}

func vecArray(v *r3.Vec) *[3]float64 {
	if v == nil {
		return nil
	}
	return &[3]float64{v.X, v.Y, v.Z}
}

func arrayVec(a *[3]float64) *r3.Vec {
	if a == nil {
		return nil
	}
	return &r3.Vec{X: a[0], Y: a[1], Z: a[2]}
}
