package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"orthobatch/internal/config"
	"orthobatch/internal/engine"
	"orthobatch/internal/fsutil"
	"orthobatch/internal/logging"
	"orthobatch/internal/project"
	"orthobatch/internal/status"
	"orthobatch/internal/storage"
)

// stubEngine reports a version and refuses every project operation.
type stubEngine struct {
	version string
}

var errOffline = errors.New("bridge offline")

func (s *stubEngine) Version(ctx context.Context) (string, error) { return s.version, nil }
func (s *stubEngine) IngestPhotos(ctx context.Context, projectPath string, photos []string) (*project.Project, error) {
	return nil, errOffline
}
func (s *stubEngine) Open(ctx context.Context, projectPath string) (*project.Project, error) {
	return nil, errOffline
}
func (s *stubEngine) DetectMarkers(ctx context.Context, p *project.Project, tolerance int) error {
	return errOffline
}
func (s *stubEngine) MatchPhotos(ctx context.Context, p *project.Project, opts engine.MatchOptions) error {
	return errOffline
}
func (s *stubEngine) AlignCameras(ctx context.Context, p *project.Project, cameras []string) error {
	return errOffline
}
func (s *stubEngine) OptimizeCameras(ctx context.Context, p *project.Project) error { return errOffline }
func (s *stubEngine) BuildSurfaceModel(ctx context.Context, p *project.Project, source engine.SourceKind) error {
	return errOffline
}
func (s *stubEngine) BuildOrthomosaic(ctx context.Context, p *project.Project, resolution float64) error {
	return errOffline
}
func (s *stubEngine) ExportRaster(ctx context.Context, p *project.Project, path string, resolution float64) engine.ExportResult {
	return engine.ExportResult{Path: path, Err: errOffline}
}
func (s *stubEngine) Persist(ctx context.Context, p *project.Project) error { return errOffline }

func newTestRoot(t *testing.T) (*Root, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Paths.ReportDir = filepath.Join(t.TempDir(), "reports")
	cfg.Logging.FileOutput = false

	var out bytes.Buffer
	root := &Root{
		cfg: cfg,
		log: logging.Discard(),
		out: &out,
		newEngine: func(config.Engine, *slog.Logger) engine.Engine {
			return &stubEngine{version: "2.2.1"}
		},
	}
	return root, &out
}

func execute(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func mkFlight(t *testing.T, dir, name string, photos int) string {
	t.Helper()
	folder := filepath.Join(dir, name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < photos; i++ {
		p := filepath.Join(folder, "IMG_000"+string(rune('0'+i))+".JPG")
		if err := os.WriteFile(p, []byte("not really a jpeg"), 0o644); err != nil {
			t.Fatalf("write photo: %v", err)
		}
	}
	return folder
}

func TestVersion(t *testing.T) {
	root, out := newTestRoot(t)
	if err := execute(root, "version", "--engine"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "orthobatch "+Version) || !strings.Contains(out.String(), "Engine 2.2.1") {
		t.Fatalf("unexpected version output:\n%s", out.String())
	}
}

func TestConfigShow(t *testing.T) {
	root, out := newTestRoot(t)
	if err := execute(root, "config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	for _, want := range []string{"[gate]", "rotation_threshold", "min_markers = 3", "[engine]"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in:\n%s", want, out.String())
		}
	}
}

func TestConfigFlagLoadsTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orthobatch.toml")
	if err := os.WriteFile(path, []byte("[gate]\nmin_markers = 4\n\n[logging]\nfile_output = false\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	root := &Root{log: logging.Discard(), out: &out}
	if err := execute(root, "--config", path, "config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "min_markers = 4") {
		t.Fatalf("config file not applied:\n%s", out.String())
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("[gate\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := execute(&Root{log: logging.Discard(), out: &out}, "--config", bad, "version"); err == nil {
		t.Fatalf("expected error for malformed config")
	}
}

func TestCatalogShow(t *testing.T) {
	root, out := newTestRoot(t)
	if err := execute(root, "catalog", "show"); err != nil {
		t.Fatalf("catalog show: %v", err)
	}
	if !strings.Contains(out.String(), "sticks (7 targets)") || !strings.Contains(out.String(), "target 7") {
		t.Fatalf("unexpected catalog output:\n%s", out.String())
	}
	if err := execute(root, "catalog", "show", "nonexistent"); err == nil {
		t.Fatalf("expected error for unknown layout")
	}
}

func TestRunRecordsOutcomes(t *testing.T) {
	root, out := newTestRoot(t)
	dir := t.TempDir()
	mkFlight(t, dir, "empty", 0)
	flight := mkFlight(t, dir, "flight-01", 3)

	if err := execute(root, "run", dir); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	for _, want := range []string{"flight-01", "empty", "skipped", "PROCESSING", "bridge offline"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in run output:\n%s", want, text)
		}
	}
	if !fsutil.Exists(status.SentinelPath(flight, status.Processing)) {
		t.Fatalf("expected PROCESSING sentinel after engine failure")
	}

	store, err := storage.New(root.cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer store.Close()
	runs, err := store.RecentRuns(5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d (%v)", len(runs), err)
	}
	if runs[0].Status != "completed" || runs[0].Kind != "run" {
		t.Fatalf("unexpected run record: %+v", runs[0])
	}
}

func TestRunVersionMismatchFails(t *testing.T) {
	root, _ := newTestRoot(t)
	root.newEngine = func(config.Engine, *slog.Logger) engine.Engine {
		return &stubEngine{version: "1.8.4"}
	}
	dir := t.TempDir()
	flight := mkFlight(t, dir, "flight-01", 2)

	if err := execute(root, "run", dir); !errors.Is(err, engine.ErrFatal) {
		t.Fatalf("expected fatal version error, got %v", err)
	}
	if has, _ := status.NewTracker().Has(flight); has {
		t.Fatalf("no folder should be touched before the version check")
	}
}

func TestStatusListsFolders(t *testing.T) {
	root, out := newTestRoot(t)
	dir := t.TempDir()
	done := mkFlight(t, dir, "a", 1)
	review := mkFlight(t, dir, "b", 1)
	mkFlight(t, dir, "c", 1)

	tracker := status.NewTracker()
	for folder, final := range map[string]status.Status{done: status.Complete, review: status.RotationError} {
		if err := tracker.Begin(folder); err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := tracker.Transition(folder, final); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	if err := execute(root, "status", dir); err != nil {
		t.Fatalf("status: %v", err)
	}
	text := out.String()
	for _, want := range []string{"COMPLETE: 1", "ROTATION_ERROR: 1", "untracked: 1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in status output:\n%s", want, text)
		}
	}

	out.Reset()
	if err := execute(root, "status", "--review", dir); err != nil {
		t.Fatalf("status --review: %v", err)
	}
	if strings.Contains(out.String(), "COMPLETE") || !strings.Contains(out.String(), "ROTATION_ERROR") {
		t.Fatalf("unexpected review output:\n%s", out.String())
	}
}

func TestReport(t *testing.T) {
	root, out := newTestRoot(t)
	store, err := storage.New(root.cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if err := store.RecordProject(storage.ProjectRecord{Folder: "/data/a", Name: "a", Status: "NOTENOUGHMARKERS", Reason: "2 markers"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = store.Close()

	if err := execute(root, "report", "--format", "json"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out.String(), `"needs_review"`) || !strings.Contains(out.String(), `"/data/a"`) {
		t.Fatalf("unexpected report:\n%s", out.String())
	}

	if err := execute(root, "report", "--out", "projects.parquet"); err != nil {
		t.Fatalf("report parquet: %v", err)
	}
	if !fsutil.Exists(filepath.Join(root.cfg.Paths.ReportDir, "projects.parquet")) {
		t.Fatalf("parquet report not written under report dir")
	}

	if err := execute(root, "report", "--format", "parquet"); err == nil {
		t.Fatalf("expected error for parquet on stdout")
	}
}
