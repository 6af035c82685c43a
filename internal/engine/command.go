package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"orthobatch/internal/config"
	"orthobatch/internal/project"
)

// NetworkServerEnv carries the processing server address to the bridge.
const NetworkServerEnv = "ORTHOBATCH_NETWORK_SERVER"

// CommandEngine drives the engine through a bridge executable, one process
// per operation. The request goes to stdin as JSON and the bridge answers
// with one JSON object on stdout.
type CommandEngine struct {
	Command       string
	Args          []string
	Timeout       time.Duration // per operation, 0 = none
	NetworkServer string
	Logger        *slog.Logger
}

// NewCommandEngine builds a CommandEngine from configuration.
func NewCommandEngine(cfg config.Engine, logger *slog.Logger) *CommandEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandEngine{
		Command:       cfg.Command,
		Args:          append([]string(nil), cfg.Args...),
		Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		NetworkServer: cfg.NetworkServer,
		Logger:        logger,
	}
}

type request struct {
	Op          string         `json:"op"`
	ProjectPath string         `json:"project_path,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	State       *Snapshot      `json:"state,omitempty"`
}

type response struct {
	State   *Snapshot `json:"state"`
	Version string    `json:"version"`
	Error   string    `json:"error"`
	Fatal   bool      `json:"fatal"`
}

func (e *CommandEngine) call(ctx context.Context, req request) (*response, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &OpError{Op: req.Op, Err: fmt.Errorf("encode request: %w", err)}
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Env = os.Environ()
	if e.NetworkServer != "" {
		cmd.Env = append(cmd.Env, NetworkServerEnv+"="+e.NetworkServer)
	}
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	e.Logger.Debug("engine call",
		"op", req.Op,
		"project", req.ProjectPath,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", runErr,
	)

	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
		return nil, &OpError{Op: req.Op, Err: fmt.Errorf("%w: %v", ErrFatal, runErr)}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &OpError{Op: req.Op, Err: ctxErr}
	}

	var resp response
	if decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); decodeErr != nil {
		if runErr != nil {
			return nil, &OpError{Op: req.Op, Err: fmt.Errorf("%v: %s", runErr, tail(stderr.String()))}
		}
		return nil, &OpError{Op: req.Op, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	switch {
	case resp.Fatal:
		msg := resp.Error
		if msg == "" {
			msg = "engine reported a fatal condition"
		}
		return nil, &OpError{Op: req.Op, Err: fmt.Errorf("%w: %s", ErrFatal, msg)}
	case resp.Error != "":
		return nil, &OpError{Op: req.Op, Err: errors.New(resp.Error)}
	case runErr != nil:
		return nil, &OpError{Op: req.Op, Err: fmt.Errorf("%v: %s", runErr, tail(stderr.String()))}
	}
	return &resp, nil
}

// mutate sends the project, runs op and takes over the engine's state.
func (e *CommandEngine) mutate(ctx context.Context, op string, p *project.Project, params map[string]any) error {
	snap := SnapshotOf(p)
	resp, err := e.call(ctx, request{Op: op, ProjectPath: p.Path, Params: params, State: &snap})
	if err != nil {
		return err
	}
	if resp.State != nil {
		resp.State.apply(p)
	}
	return nil
}

func (e *CommandEngine) load(ctx context.Context, op, projectPath string, params map[string]any) (*project.Project, error) {
	resp, err := e.call(ctx, request{Op: op, ProjectPath: projectPath, Params: params})
	if err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, &OpError{Op: op, Err: errors.New("response carries no project state")}
	}
	p := resp.State.Project(filepath.Dir(projectPath))
	if p.Path == "" {
		p.Path = projectPath
	}
	return p, nil
}

func (e *CommandEngine) Version(ctx context.Context) (string, error) {
	resp, err := e.call(ctx, request{Op: "version"})
	if err != nil {
		return "", err
	}
	if resp.Version == "" {
		return "", &OpError{Op: "version", Err: errors.New("empty version")}
	}
	return resp.Version, nil
}

func (e *CommandEngine) IngestPhotos(ctx context.Context, projectPath string, photos []string) (*project.Project, error) {
	return e.load(ctx, "ingest", projectPath, map[string]any{"photos": photos})
}

func (e *CommandEngine) Open(ctx context.Context, projectPath string) (*project.Project, error) {
	return e.load(ctx, "open", projectPath, nil)
}

func (e *CommandEngine) DetectMarkers(ctx context.Context, p *project.Project, tolerance int) error {
	return e.mutate(ctx, "detect_markers", p, map[string]any{"tolerance": tolerance})
}

func (e *CommandEngine) MatchPhotos(ctx context.Context, p *project.Project, opts MatchOptions) error {
	return e.mutate(ctx, "match_photos", p, map[string]any{"options": opts})
}

func (e *CommandEngine) AlignCameras(ctx context.Context, p *project.Project, cameras []string) error {
	return e.mutate(ctx, "align_cameras", p, map[string]any{"cameras": cameras})
}

func (e *CommandEngine) OptimizeCameras(ctx context.Context, p *project.Project) error {
	return e.mutate(ctx, "optimize_cameras", p, nil)
}

func (e *CommandEngine) BuildSurfaceModel(ctx context.Context, p *project.Project, source SourceKind) error {
	return e.mutate(ctx, "build_model", p, map[string]any{"source": source})
}

func (e *CommandEngine) BuildOrthomosaic(ctx context.Context, p *project.Project, resolution float64) error {
	return e.mutate(ctx, "build_orthomosaic", p, map[string]any{"resolution": resolution})
}

func (e *CommandEngine) ExportRaster(ctx context.Context, p *project.Project, path string, resolution float64) ExportResult {
	err := e.mutate(ctx, "export_raster", p, map[string]any{"path": path, "resolution": resolution})
	return ExportResult{Path: path, Err: err}
}

func (e *CommandEngine) Persist(ctx context.Context, p *project.Project) error {
	return e.mutate(ctx, "persist", p, nil)
}

// tail keeps the last lines of a bridge's stderr for error messages.
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
