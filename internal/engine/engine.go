// Package engine is the boundary to the external reconstruction engine. The
// engine owns photo ingestion, matching, bundle adjustment, dense
// reconstruction and rasterization; this side only sees project snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"orthobatch/internal/project"
)

// ErrFatal marks engine failures that leave the engine unusable. The batch
// stops on them instead of moving to the next project.
var ErrFatal = errors.New("fatal engine error")

// SourceKind selects what a surface model is built from.
type SourceKind string

const (
	TiePoints SourceKind = "tie_points"
	DepthMaps SourceKind = "depth_maps"
)

// MatchOptions mirrors the engine's photo matching knobs.
type MatchOptions struct {
	Downscale             int    `json:"downscale"`
	GenericPreselection   bool   `json:"generic_preselection"`
	ReferencePreselection bool   `json:"reference_preselection"`
	PreselectionMode      string `json:"preselection_mode,omitempty"`
	GuidedMatching        bool   `json:"guided_matching"`
	KeypointLimit         int    `json:"keypoint_limit,omitempty"`
	TiepointLimit         int    `json:"tiepoint_limit,omitempty"`
}

// ExportResult is the explicit outcome of a raster export.
type ExportResult struct {
	Path string
	Err  error
}

// OK reports whether the raster was written.
func (r ExportResult) OK() bool { return r.Err == nil }

// Engine is everything the orchestrator asks of the reconstruction engine.
// Every call blocks until the engine is done. Calls that change the
// reconstruction update p in place.
type Engine interface {
	Version(ctx context.Context) (string, error)
	IngestPhotos(ctx context.Context, projectPath string, photos []string) (*project.Project, error)
	Open(ctx context.Context, projectPath string) (*project.Project, error)
	DetectMarkers(ctx context.Context, p *project.Project, tolerance int) error
	MatchPhotos(ctx context.Context, p *project.Project, opts MatchOptions) error
	AlignCameras(ctx context.Context, p *project.Project, cameras []string) error
	OptimizeCameras(ctx context.Context, p *project.Project) error
	BuildSurfaceModel(ctx context.Context, p *project.Project, source SourceKind) error
	BuildOrthomosaic(ctx context.Context, p *project.Project, resolution float64) error
	ExportRaster(ctx context.Context, p *project.Project, path string, resolution float64) ExportResult
	Persist(ctx context.Context, p *project.Project) error
}

// OpError records which engine operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "engine " + e.Op + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

// IsFatal reports whether err should stop the whole batch.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// CheckVersion verifies that the engine reports the required major.minor
// version. An empty requirement accepts any version.
func CheckVersion(ctx context.Context, e Engine, required string) (string, error) {
	got, err := e.Version(ctx)
	if err != nil {
		return "", err
	}
	if required == "" {
		return got, nil
	}
	if majorMinor(got) != majorMinor(required) {
		return got, fmt.Errorf("%w: engine version %s is not compatible with %s", ErrFatal, got, required)
	}
	return got, nil
}

func majorMinor(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
