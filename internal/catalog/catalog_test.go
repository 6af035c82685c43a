package catalog

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"orthobatch/internal/project"
)

func TestBuiltinSticks(t *testing.T) {
	c, err := Builtin("sticks")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if c.Len() != 7 {
		t.Fatalf("len = %d", c.Len())
	}
	p, ok := c.Lookup("target 3")
	if !ok {
		t.Fatalf("target 3 missing")
	}
	if math.Abs(p.Location.X-0.21) > 1e-12 || p.Location.Y != 0 || p.Location.Z != 0 {
		t.Fatalf("target 3 location = %+v", p.Location)
	}
	if p.Accuracy.X != 1e-5 || p.Accuracy.Z != 1e-5 {
		t.Fatalf("target 3 accuracy = %+v", p.Accuracy)
	}

	wide, err := Builtin("sticks-wide")
	if err != nil {
		t.Fatalf("builtin wide: %v", err)
	}
	p, _ = wide.Lookup("target 7")
	if math.Abs(p.Location.X-6.1) > 1e-12 {
		t.Fatalf("wide target 7 location = %+v", p.Location)
	}
}

func TestBuiltinUnknown(t *testing.T) {
	if _, err := Builtin("grid"); !errors.Is(err, ErrUnknownLayout) {
		t.Fatalf("expected ErrUnknownLayout, got %v", err)
	}
}

func TestLookupIsTotal(t *testing.T) {
	c, _ := Builtin("sticks")
	for _, label := range []string{"", "target 0", "target 8", "point 1"} {
		if _, ok := c.Lookup(label); ok {
			t.Fatalf("unexpected hit for %q", label)
		}
	}
}

func TestAssignCountsDistinctCatalogLabels(t *testing.T) {
	c, _ := Builtin("sticks")
	markers := []*project.Marker{
		{Label: "target 1"},
		{Label: "target 2"},
		{Label: "target 2"},
		{Label: "stray"},
		nil,
	}
	if got := c.Assign(markers); got != 2 {
		t.Fatalf("Assign = %d, want 2", got)
	}
	if markers[0].Reference == nil || markers[2].Reference == nil {
		t.Fatalf("catalog markers should carry references")
	}
	if markers[3].Reference != nil {
		t.Fatalf("unknown label must stay untouched")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	body := `targets:
  - label: A
    location: [1, 2, 3]
    accuracy: [0.1, 0.1, 0.2]
  - label: B
    location: [4, 5, 6]
    accuracy: [0.1, 0.1, 0.2]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, c.Labels()); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
	p, _ := c.Lookup("B")
	if p.Location.Z != 6 || p.Accuracy.Z != 0.2 {
		t.Fatalf("B = %+v", p)
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	body := "targets:\n  - label: A\n  - label: A\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate label error")
	}
}

func TestResolveChecksMinMarkers(t *testing.T) {
	if _, err := Resolve("sticks", "", 8); err == nil {
		t.Fatalf("expected error when min markers exceeds catalog size")
	}
	c, err := Resolve("sticks", "", 3)
	if err != nil || c.Name() != "sticks" {
		t.Fatalf("Resolve = %v, %v", c, err)
	}
}
