package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"orthobatch/internal/engine"
	"orthobatch/internal/fsutil"
	"orthobatch/internal/gate"
	"orthobatch/internal/logging"
	"orthobatch/internal/orientation"
	"orthobatch/internal/project"
	"orthobatch/internal/status"
	"orthobatch/internal/storage"
)

// Stage names as they appear in events and logs.
const (
	StageBootstrap     = "bootstrap"
	StageDetectMarkers = "detect_markers"
	StageAssign        = "assign_markers"
	StageGateMarkers   = "gate_markers"
	StageCameraPriors  = "camera_priors"
	StageMatch         = "match_photos"
	StageAlign         = "align_cameras"
	StageOptimize      = "optimize_cameras"
	StageGateAlignment = "gate_alignment"
	StageCoarseModel   = "coarse_model"
	StageRemoveTilt    = "remove_tilt"
	StageGateTilt      = "gate_tilt"
	StageDenseModel    = "dense_model"
	StageOrthomosaic   = "orthomosaic"
	StageExport        = "export"
	StagePreview       = "preview"
)

// job is the state of one folder while it moves through the pipeline.
type job struct {
	runID   string
	folder  string
	start   time.Time
	proj    *project.Project
	out     Outcome
	record  storage.ProjectRecord
	current string
}

// ProcessFolder runs one folder. Ordinary problems end up in the Outcome;
// the error is reserved for conditions that must stop the batch.
func (o *Orchestrator) ProcessFolder(ctx context.Context, runID, folder string) (Outcome, error) {
	j := &job{
		runID:  runID,
		folder: folder,
		start:  time.Now(),
		out:    Outcome{Folder: folder},
		record: storage.ProjectRecord{Folder: folder, Name: project.Name(folder), RunID: runID},
	}

	tracked, err := o.Tracker.Has(folder)
	if err != nil {
		return o.skip(j, fmt.Sprintf("cannot read folder: %v", err)), nil
	}
	if tracked {
		st, err := o.Tracker.Current(folder)
		if err != nil {
			return o.skip(j, err.Error()), nil
		}
		j.out.Status = st
		j.out.Skipped = "already tracked as " + st.String()
		o.Logger.Debug("folder already tracked", "folder", folder, "status", st)
		return j.out, nil
	}

	projectFile := project.FilePath(folder, o.projectExt())
	existing := fsutil.Exists(projectFile)
	if existing && !o.Options.AdoptExisting {
		return o.skip(j, "project file exists without a status sentinel"), nil
	}

	photos, err := fsutil.ListPhotos(folder, o.Options.PhotoTypes)
	if err != nil {
		return o.skip(j, fmt.Sprintf("list photos: %v", err)), nil
	}
	if len(photos) == 0 && !existing {
		return o.skip(j, "no photos"), nil
	}

	if err := o.Tracker.Begin(folder); err != nil {
		return o.skip(j, err.Error()), nil
	}
	j.out.Status = status.Processing
	j.record.Status = status.Processing.String()
	j.record.Photos = len(photos)
	if o.Probe != nil && len(photos) > 0 {
		meta := o.Probe(photos)
		j.record.Geotagged = meta.Geotagged
		j.record.CameraModels = meta.CameraModels
	}
	o.saveRecord(j)
	logging.LogProjectStart(o.Logger, runID, folder, len(photos), existing)

	err = o.pipeline(ctx, j, projectFile, photos, existing)
	if err == nil {
		return j.out, nil
	}
	return o.fail(ctx, j, err)
}

// pipeline runs the stages in order. It returns nil once the project reached
// a terminal status, or the error that aborted it.
func (o *Orchestrator) pipeline(ctx context.Context, j *job, projectFile string, photos []string, existing bool) error {
	opts := o.Options

	if err := o.step(ctx, j, StageBootstrap, true, func() error {
		var err error
		if existing {
			j.proj, err = o.Engine.Open(ctx, projectFile)
		} else {
			j.proj, err = o.Engine.IngestPhotos(ctx, projectFile, photos)
		}
		if err != nil {
			return err
		}
		if j.proj == nil {
			return fmt.Errorf("engine returned no project for %s", projectFile)
		}
		if j.proj.Folder == "" {
			j.proj.Folder = j.folder
		}
		if j.proj.Path == "" {
			j.proj.Path = projectFile
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageDetectMarkers, true, func() error {
		return o.Engine.DetectMarkers(ctx, j.proj, opts.MarkerTolerance)
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageAssign, true, func() error {
		j.out.AssignedMarkers = o.Catalog.Assign(j.proj.Markers)
		j.record.AssignedMarkers = j.out.AssignedMarkers
		return nil
	}); err != nil {
		return err
	}

	pass := gate.NewPass(opts.Thresholds)
	d, err := pass.CheckMarkers(j.out.AssignedMarkers)
	if err != nil {
		return err
	}
	if done, err := o.decide(j, StageGateMarkers, d, pass.Reason()); done || err != nil {
		return err
	}

	if err := o.step(ctx, j, StageCameraPriors, true, func() error {
		rot, acc := opts.CameraRotation, opts.CameraRotationAccuracy
		for _, c := range j.proj.Cameras {
			r, a := rot, acc
			c.Reference.Rotation = &r
			c.Reference.RotationAccuracy = &a
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageMatch, true, func() error {
		return o.Engine.MatchPhotos(ctx, j.proj, opts.Match)
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageAlign, true, func() error {
		for _, chunk := range batches(cameraLabels(j.proj), opts.AlignmentBatchSize) {
			if err := o.Engine.AlignCameras(ctx, j.proj, chunk); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if opts.OptimizeCameras {
		if err := o.step(ctx, j, StageOptimize, true, func() error {
			return o.Engine.OptimizeCameras(ctx, j.proj)
		}); err != nil {
			return err
		}
	}

	if avg, ok := orientation.Average(j.proj.Cameras, j.proj.Frame()); ok {
		j.out.Average = &avg
		j.record.AvgYaw, j.record.AvgPitch, j.record.AvgRoll = avg.Yaw, avg.Pitch, avg.Roll
	}
	d, err = pass.CheckAlignment(j.proj.Cameras, j.proj.Frame())
	if err != nil {
		return err
	}
	if done, err := o.decide(j, StageGateAlignment, d, pass.Reason()); done || err != nil {
		return err
	}

	if err := o.step(ctx, j, StageCoarseModel, true, func() error {
		return o.Engine.BuildSurfaceModel(ctx, j.proj, engine.TiePoints)
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageRemoveTilt, true, func() error {
		removed, ok := orientation.RemoveAveragePitch(j.proj)
		if ok {
			j.out.RemovedPitch = removed
			j.record.RemovedPitch = removed
		}
		return nil
	}); err != nil {
		return err
	}

	pitch, defined := orientation.AveragePitch(j.proj)
	if defined {
		j.record.AvgPitch = pitch
	}
	d, err = pass.CheckTilt(pitch, defined)
	if err != nil {
		return err
	}
	if done, err := o.decide(j, StageGateTilt, d, pass.Reason()); done || err != nil {
		return err
	}

	if err := o.step(ctx, j, StageDenseModel, true, func() error {
		return o.Engine.BuildSurfaceModel(ctx, j.proj, engine.DepthMaps)
	}); err != nil {
		return err
	}

	if err := o.step(ctx, j, StageOrthomosaic, true, func() error {
		return o.Engine.BuildOrthomosaic(ctx, j.proj, opts.Resolution)
	}); err != nil {
		return err
	}

	return o.export(ctx, j)
}

// export writes the raster and settles the final status. An export failure
// is a designed outcome, not an aborted project.
func (o *Orchestrator) export(ctx context.Context, j *job) error {
	raster := project.RasterPath(j.proj.Path)
	o.emit(j.runID, j.folder, StageExport, "started", raster)
	res := o.Engine.ExportRaster(ctx, j.proj, raster, o.Options.Resolution)
	if !res.OK() {
		if engine.IsFatal(res.Err) || ctx.Err() != nil {
			return res.Err
		}
		o.Logger.Error("raster export failed", "folder", j.folder, "raster", raster, "error", res.Err)
		o.emit(j.runID, j.folder, StageExport, "failed", res.Err.Error())
		j.out.Err = res.Err
		j.out.Reason = res.Err.Error()
		return o.finish(j, status.ExportError)
	}
	o.emit(j.runID, j.folder, StageExport, "done", res.Path)
	j.out.Raster = res.Path
	j.record.RasterPath = res.Path

	if o.Previewer != nil {
		if path, err := o.Previewer.Write(res.Path); err != nil {
			o.Logger.Warn("preview failed", "raster", res.Path, "error", err)
		} else {
			j.out.Preview = path
			o.emit(j.runID, j.folder, StagePreview, "done", path)
		}
	}
	return o.finish(j, status.Complete)
}

// step runs one stage, then persists the project when persist is set.
func (o *Orchestrator) step(ctx context.Context, j *job, stage string, persist bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.current = stage
	o.emit(j.runID, j.folder, stage, "started", "")
	started := time.Now()
	if err := fn(); err != nil {
		o.emit(j.runID, j.folder, stage, "failed", err.Error())
		return err
	}
	if persist {
		if err := o.persist(ctx, j); err != nil {
			return err
		}
	}
	logging.LogStage(o.Logger, j.folder, stage, "done", map[string]any{"duration_ms": time.Since(started).Milliseconds()})
	o.emit(j.runID, j.folder, stage, "done", "")
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, j *job) error {
	if err := o.Engine.Persist(ctx, j.proj); err != nil {
		return fmt.Errorf("persist after %s: %w", j.current, err)
	}
	return nil
}

// decide records a gate decision. It reports true when the project is done.
func (o *Orchestrator) decide(j *job, stage string, d gate.Decision, reason string) (bool, error) {
	st, terminal := d.Status()
	if !terminal {
		o.emit(j.runID, j.folder, stage, "done", d.String())
		return false, nil
	}
	o.Logger.Warn("quality gate failed", "folder", j.folder, "gate", stage, "decision", d, "reason", reason)
	o.emit(j.runID, j.folder, stage, st.String(), reason)
	j.out.Reason = reason
	return true, o.finish(j, st)
}

// finish moves the sentinel to a terminal status.
func (o *Orchestrator) finish(j *job, st status.Status) error {
	if err := o.Tracker.Transition(j.folder, st); err != nil {
		// The sentinel stays at PROCESSING; report the project as failed.
		o.Logger.Error("status transition failed", "folder", j.folder, "status", st, "error", err)
		j.out.Err = err
		j.record.Reason = err.Error()
		o.saveRecord(j)
		return nil
	}
	j.out.Status = st
	j.out.Duration = time.Since(j.start)
	j.record.Status = st.String()
	if j.record.Reason == "" {
		j.record.Reason = j.out.Reason
	}
	o.saveRecord(j)
	logging.LogProjectComplete(o.Logger, j.runID, j.folder, st.String(), j.out.Duration)
	return nil
}

// fail handles an error that aborted the pipeline. Fatal engine errors and
// cancellation are handed back to stop the batch; anything else leaves the
// sentinel at PROCESSING for a human to look at.
func (o *Orchestrator) fail(ctx context.Context, j *job, err error) (Outcome, error) {
	j.out.Err = err
	j.out.Duration = time.Since(j.start)
	j.record.Reason = err.Error()
	o.saveRecord(j)
	logging.LogProjectError(o.Logger, j.runID, j.folder, j.current, j.out.Duration, err)

	if engine.IsFatal(err) {
		return j.out, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return j.out, ctxErr
	}
	if errors.Is(err, gate.ErrOutOfOrder) || errors.Is(err, gate.ErrDecided) {
		// A programming error; stop before it repeats on every folder.
		return j.out, err
	}
	return j.out, nil
}

func (o *Orchestrator) skip(j *job, reason string) Outcome {
	o.Logger.Warn("skipping folder", "folder", j.folder, "reason", reason)
	o.emit(j.runID, j.folder, StageBootstrap, "skipped", reason)
	j.out.Skipped = reason
	return j.out
}

func (o *Orchestrator) saveRecord(j *job) {
	if err := o.Store.RecordProject(j.record); err != nil {
		o.Logger.Warn("failed to record project", "folder", j.folder, "error", err)
	}
}

// reorthoProject rebuilds the orthomosaic of one existing project file.
func (o *Orchestrator) reorthoProject(ctx context.Context, runID, file string) (Outcome, error) {
	j := &job{runID: runID, start: time.Now()}
	var err error
	j.proj, err = o.Engine.Open(ctx, file)
	if err == nil {
		j.folder = j.proj.Folder
	}
	if j.folder == "" {
		j.folder = filepath.Dir(file)
	}
	j.out = Outcome{Folder: j.folder}

	if err == nil {
		err = o.step(ctx, j, StageOrthomosaic, true, func() error {
			return o.Engine.BuildOrthomosaic(ctx, j.proj, o.Options.Resolution)
		})
	}
	if err != nil {
		j.out.Err = err
		logging.LogProjectError(o.Logger, runID, j.folder, StageOrthomosaic, time.Since(j.start), err)
		if engine.IsFatal(err) {
			return j.out, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return j.out, ctxErr
		}
		return j.out, nil
	}

	raster := project.RasterPath(file)
	res := o.Engine.ExportRaster(ctx, j.proj, raster, o.Options.Resolution)
	if !res.OK() {
		o.Logger.Error("raster export failed", "project", file, "error", res.Err)
		o.emit(runID, j.folder, StageExport, "failed", res.Err.Error())
		j.out.Err = res.Err
		if engine.IsFatal(res.Err) {
			return j.out, res.Err
		}
		return j.out, ctx.Err()
	}
	o.emit(runID, j.folder, StageExport, "done", res.Path)
	j.out.Raster = res.Path
	j.out.Duration = time.Since(j.start)
	o.Logger.Info("orthomosaic rebuilt", "project", file, "raster", res.Path, "duration", j.out.Duration)
	return j.out, nil
}

func cameraLabels(p *project.Project) []string {
	labels := make([]string, 0, len(p.Cameras))
	for _, c := range p.Cameras {
		labels = append(labels, c.Label)
	}
	return labels
}

// batches splits items into chunks of at most size.
func batches(items []string, size int) [][]string {
	if size < 1 {
		size = len(items)
	}
	var out [][]string
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
