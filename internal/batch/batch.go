// Package batch drives every project folder under a root through the
// reconstruction pipeline, one folder at a time, consulting the quality
// gate and recording progress in status sentinels.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gonum.org/v1/gonum/spatial/r3"

	"orthobatch/internal/catalog"
	"orthobatch/internal/config"
	"orthobatch/internal/engine"
	"orthobatch/internal/fsutil"
	"orthobatch/internal/gate"
	"orthobatch/internal/orientation"
	"orthobatch/internal/photometa"
	"orthobatch/internal/status"
	"orthobatch/internal/storage"
)

// LockName is the file under the root that keeps two batches apart.
const LockName = ".orthobatch.lock"

// ErrLocked means another process is already driving the root.
var ErrLocked = errors.New("batch root is locked by another process")

// Options are the per-project pipeline settings.
type Options struct {
	Resolution             float64
	MarkerTolerance        int
	AlignmentBatchSize     int
	PhotoTypes             []string
	ProjectExtension       string
	OptimizeCameras        bool
	AdoptExisting          bool
	Match                  engine.MatchOptions
	Thresholds             gate.Thresholds
	CameraRotation         r3.Vec
	CameraRotationAccuracy r3.Vec
	RequiredVersion        string
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	rot, acc := cfg.Camera.Rotation, cfg.Camera.RotationAccuracy
	m := cfg.Processing.Match
	return Options{
		Resolution:         cfg.Processing.Resolution,
		MarkerTolerance:    cfg.Processing.MarkerTolerance,
		AlignmentBatchSize: cfg.Processing.AlignmentBatchSize,
		PhotoTypes:         cfg.Processing.PhotoTypes,
		ProjectExtension:   cfg.Processing.ProjectExtension,
		OptimizeCameras:    cfg.Processing.OptimizeCameras,
		AdoptExisting:      cfg.Processing.AdoptExisting,
		Match: engine.MatchOptions{
			Downscale:             m.Downscale,
			GenericPreselection:   m.GenericPreselection,
			ReferencePreselection: m.ReferencePreselection,
			PreselectionMode:      m.PreselectionMode,
			GuidedMatching:        m.GuidedMatching,
			KeypointLimit:         m.KeypointLimit,
			TiepointLimit:         m.TiepointLimit,
		},
		Thresholds: gate.Thresholds{
			RotationThreshold: cfg.Gate.RotationThreshold,
			PitchThreshold:    cfg.Gate.PitchThreshold,
			MinMarkers:        cfg.Gate.MinMarkers,
		},
		CameraRotation:         r3.Vec{X: rot[0], Y: rot[1], Z: rot[2]},
		CameraRotationAccuracy: r3.Vec{X: acc[0], Y: acc[1], Z: acc[2]},
		RequiredVersion:        cfg.Engine.RequiredVersion,
	}
}

// Event reports one stage of one project.
type Event struct {
	RunID  string    `json:"run_id"`
	Folder string    `json:"folder"`
	Stage  string    `json:"stage"`
	Status string    `json:"status"` // started, done, failed, skipped or a project status
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Previewer renders a quick-look image for an exported raster.
type Previewer interface {
	Write(raster string) (string, error)
}

// Outcome is what happened to one folder.
type Outcome struct {
	Folder          string           `json:"folder"`
	Status          status.Status    `json:"status,omitempty"` // zero when the folder never got a sentinel
	Skipped         string           `json:"skipped,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Err             error            `json:"-"`
	AssignedMarkers int              `json:"assigned_markers"`
	Average         *orientation.YPR `json:"average,omitempty"`
	RemovedPitch    float64          `json:"removed_pitch"`
	Raster          string           `json:"raster,omitempty"`
	Preview         string           `json:"preview,omitempty"`
	Duration        time.Duration    `json:"duration"`
}

// Summary collects the outcomes of one run.
type Summary struct {
	RunID    string    `json:"run_id"`
	Root     string    `json:"root"`
	Outcomes []Outcome `json:"outcomes"`
}

// Counts tallies outcomes by status name, plus "skipped" and "failed".
func (s Summary) Counts() map[string]int {
	out := make(map[string]int)
	for _, o := range s.Outcomes {
		switch {
		case o.Skipped != "":
			out["skipped"]++
		case o.Err != nil && !o.Status.Terminal():
			out["failed"]++
		case o.Status.Valid():
			out[o.Status.String()]++
		}
	}
	return out
}

// Meta is the summary in the ledger's map form.
func (s Summary) Meta() map[string]any {
	meta := map[string]any{"folders": len(s.Outcomes)}
	for k, v := range s.Counts() {
		meta[k] = v
	}
	return meta
}

// Orchestrator runs batches. Engine and Catalog are required; everything
// else is optional.
type Orchestrator struct {
	Engine    engine.Engine
	Catalog   *catalog.Catalog
	Tracker   *status.Tracker
	Store     *storage.Store
	Logger    *slog.Logger
	Options   Options
	Previewer Previewer
	Probe     func(photos []string) photometa.Summary
	OnEvent   func(Event)
}

// New builds an orchestrator with a fresh tracker and EXIF probing.
func New(eng engine.Engine, cat *catalog.Catalog, opts Options, store *storage.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Engine:  eng,
		Catalog: cat,
		Tracker: status.NewTracker(),
		Store:   store,
		Logger:  logger,
		Options: opts,
		Probe:   photometa.Probe,
	}
}

// lockRoot takes the cross-process lock on root.
func lockRoot(root string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(root, LockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, root)
	}
	return lock, nil
}

func (o *Orchestrator) prepare(ctx context.Context, root string) (*flock.Flock, error) {
	if o.Tracker == nil {
		o.Tracker = status.NewTracker()
	}
	lock, err := lockRoot(root)
	if err != nil {
		return nil, err
	}
	if o.Options.RequiredVersion != "" {
		v, err := engine.CheckVersion(ctx, o.Engine, o.Options.RequiredVersion)
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
		o.Logger.Info("engine ready", "version", v)
	}
	return lock, nil
}

// Run processes every immediate subfolder of root in name order. Folders that
// already carry a sentinel are left alone, so running twice does no extra
// work. The returned error is set only when the batch had to stop early:
// a fatal engine error, cancellation or an unreadable root.
func (o *Orchestrator) Run(ctx context.Context, runID, root string) (Summary, error) {
	summary := Summary{RunID: runID, Root: root}

	lock, err := o.prepare(ctx, root)
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			o.Logger.Warn("failed to release batch lock", "root", root, "error", err)
		}
	}()

	folders, err := fsutil.ListProjectFolders(root)
	if err != nil {
		return summary, fmt.Errorf("list %s: %w", root, err)
	}
	o.Logger.Info("batch started", "run", runID, "root", root, "folders", len(folders))

	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out, err := o.ProcessFolder(ctx, runID, folder)
		summary.Outcomes = append(summary.Outcomes, out)
		if err != nil {
			o.Logger.Error("batch stopped", "run", runID, "folder", folder, "error", err)
			return summary, err
		}
	}

	o.Logger.Info("batch finished", "run", runID, "root", root, "counts", summary.Counts())
	return summary, nil
}

// Reortho rebuilds and re-exports the orthomosaic of every project file
// under root. Sentinels are not consulted or changed. Export failures are
// logged and the batch moves on.
func (o *Orchestrator) Reortho(ctx context.Context, runID, root string) (Summary, error) {
	summary := Summary{RunID: runID, Root: root}

	lock, err := o.prepare(ctx, root)
	if err != nil {
		return summary, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			o.Logger.Warn("failed to release batch lock", "root", root, "error", err)
		}
	}()

	files, err := fsutil.FindProjectFiles(root, o.projectExt())
	if err != nil {
		return summary, fmt.Errorf("find project files under %s: %w", root, err)
	}
	o.Logger.Info("reortho started", "run", runID, "root", root, "projects", len(files))

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out, err := o.reorthoProject(ctx, runID, file)
		summary.Outcomes = append(summary.Outcomes, out)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (o *Orchestrator) projectExt() string {
	if o.Options.ProjectExtension == "" {
		return ".psx"
	}
	return o.Options.ProjectExtension
}

func (o *Orchestrator) emit(runID, folder, stage, state, detail string) {
	ev := Event{RunID: runID, Folder: folder, Stage: stage, Status: state, Detail: detail, Time: time.Now().UTC()}
	if err := o.Store.RecordStageEvent(storage.StageEvent{
		RunID:     ev.RunID,
		Folder:    ev.Folder,
		Stage:     ev.Stage,
		Status:    ev.Status,
		Detail:    ev.Detail,
		CreatedAt: ev.Time,
	}); err != nil {
		o.Logger.Warn("failed to record stage event", "folder", folder, "stage", stage, "error", err)
	}
	if o.OnEvent != nil {
		o.OnEvent(ev)
	}
}
