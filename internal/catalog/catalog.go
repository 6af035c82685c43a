// Package catalog maps control-point labels to their surveyed positions.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"orthobatch/internal/project"
)

// ErrUnknownLayout is returned for a built-in layout name that does not exist.
var ErrUnknownLayout = errors.New("unknown catalog layout")

// Point is the known location of one control target and its measurement
// uncertainty, both in metres.
type Point struct {
	Location r3.Vec
	Accuracy r3.Vec
}

// Catalog is a read-only label to Point table.
type Catalog struct {
	name   string
	points map[string]Point
}

// New copies points into a catalog.
func New(name string, points map[string]Point) *Catalog {
	c := &Catalog{name: name, points: make(map[string]Point, len(points))}
	for label, p := range points {
		c.points[label] = p
	}
	return c
}

// Name identifies the layout, e.g. "sticks" or a file path.
func (c *Catalog) Name() string { return c.name }

// Len is the number of targets in the layout.
func (c *Catalog) Len() int { return len(c.points) }

// Lookup returns the point for label, if the label is part of the layout.
func (c *Catalog) Lookup(label string) (Point, bool) {
	p, ok := c.points[label]
	return p, ok
}

// Labels returns the catalog labels in sorted order.
func (c *Catalog) Labels() []string {
	out := make([]string, 0, len(c.points))
	for label := range c.points {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Assign writes the reference location and accuracy onto every marker whose
// label is in the catalog. Markers with other labels are left untouched. It
// returns the number of distinct catalog labels assigned.
func (c *Catalog) Assign(markers []*project.Marker) int {
	seen := make(map[string]struct{})
	for _, m := range markers {
		if m == nil {
			continue
		}
		p, ok := c.Lookup(m.Label)
		if !ok {
			continue
		}
		m.Reference = &project.MarkerReference{Location: p.Location, Accuracy: p.Accuracy}
		seen[m.Label] = struct{}{}
	}
	return len(seen)
}

// Builtin returns one of the layouts shipped with the tool.
//
//	sticks       7 targets spaced 0.1 m apart starting at x = 0.01, 1e-5 m accuracy
//	sticks-wide  7 targets spaced 1.0 m apart starting at x = 0.1, 1e-5 m accuracy
func Builtin(name string) (*Catalog, error) {
	switch name {
	case "sticks":
		return linear(name, 0.01, 0.1), nil
	case "sticks-wide":
		return linear(name, 0.1, 1.0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
	}
}

// BuiltinNames lists the layouts Builtin accepts.
func BuiltinNames() []string {
	return []string{"sticks", "sticks-wide"}
}

const (
	targetCount    = 7
	targetAccuracy = 1e-5
)

func linear(name string, start, spacing float64) *Catalog {
	points := make(map[string]Point, targetCount)
	acc := r3.Vec{X: targetAccuracy, Y: targetAccuracy, Z: targetAccuracy}
	for i := 0; i < targetCount; i++ {
		label := fmt.Sprintf("target %d", i+1)
		points[label] = Point{
			Location: r3.Vec{X: start + spacing*float64(i)},
			Accuracy: acc,
		}
	}
	return New(name, points)
}

// file is the on-disk YAML layout:
//
//	targets:
//	  - label: target 1
//	    location: [0.01, 0, 0]
//	    accuracy: [0.00001, 0.00001, 0.00001]
type file struct {
	Targets []struct {
		Label    string     `yaml:"label"`
		Location [3]float64 `yaml:"location"`
		Accuracy [3]float64 `yaml:"accuracy"`
	} `yaml:"targets"`
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(f.Targets) == 0 {
		return nil, fmt.Errorf("catalog %s has no targets", path)
	}
	points := make(map[string]Point, len(f.Targets))
	for _, t := range f.Targets {
		if t.Label == "" {
			return nil, fmt.Errorf("catalog %s: target without label", path)
		}
		if _, dup := points[t.Label]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate label %q", path, t.Label)
		}
		points[t.Label] = Point{
			Location: r3.Vec{X: t.Location[0], Y: t.Location[1], Z: t.Location[2]},
			Accuracy: r3.Vec{X: t.Accuracy[0], Y: t.Accuracy[1], Z: t.Accuracy[2]},
		}
	}
	return New(path, points), nil
}

// Resolve picks the catalog for a configuration: a file path wins over a
// layout name. It fails when the catalog cannot satisfy minMarkers.
func Resolve(layout, path string, minMarkers int) (*Catalog, error) {
	var (
		c   *Catalog
		err error
	)
	if path != "" {
		c, err = Load(path)
	} else {
		c, err = Builtin(layout)
	}
	if err != nil {
		return nil, err
	}
	if minMarkers > c.Len() {
		return nil, fmt.Errorf("catalog %s has %d targets, fewer than the %d markers required", c.Name(), c.Len(), minMarkers)
	}
	return c, nil
}
