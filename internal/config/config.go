package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath = "~/.config/orthobatch/config.json"
	defaultBatchSize  = 20
)

// Config holds user-editable settings for the batch.
type Config struct {
	Processing Processing `json:"processing" toml:"processing"`
	Gate       Gate       `json:"gate" toml:"gate"`
	Camera     Camera     `json:"camera" toml:"camera"`
	Catalog    Catalog    `json:"catalog" toml:"catalog"`
	Engine     Engine     `json:"engine" toml:"engine"`
	Logging    Logging    `json:"logging" toml:"logging"`
	Paths      Paths      `json:"paths" toml:"paths"`
	Server     Server     `json:"server" toml:"server"`
	Watch      Watch      `json:"watch" toml:"watch"`
	Preview    Preview    `json:"preview" toml:"preview"`
}

// Processing captures per-project pipeline preferences.
type Processing struct {
	Resolution         float64  `json:"resolution" toml:"resolution"` // ortho ground sample distance, 0 = engine default
	MarkerTolerance    int      `json:"marker_tolerance" toml:"marker_tolerance"`
	AlignmentBatchSize int      `json:"alignment_batch_size" toml:"alignment_batch_size"`
	PhotoTypes         []string `json:"photo_types" toml:"photo_types"`
	ProjectExtension   string   `json:"project_extension" toml:"project_extension"`
	OptimizeCameras    bool     `json:"optimize_cameras" toml:"optimize_cameras"`
	AdoptExisting      bool     `json:"adopt_existing" toml:"adopt_existing"` // load project files that have no sentinel
	Match              Match    `json:"match" toml:"match"`
}

// Match mirrors the engine's photo matching knobs.
type Match struct {
	Downscale             int    `json:"downscale" toml:"downscale"`
	GenericPreselection   bool   `json:"generic_preselection" toml:"generic_preselection"`
	ReferencePreselection bool   `json:"reference_preselection" toml:"reference_preselection"`
	PreselectionMode      string `json:"preselection_mode" toml:"preselection_mode"` // source, sequential, estimated
	GuidedMatching        bool   `json:"guided_matching" toml:"guided_matching"`
	KeypointLimit         int    `json:"keypoint_limit" toml:"keypoint_limit"`
	TiepointLimit         int    `json:"tiepoint_limit" toml:"tiepoint_limit"`
}

// Gate holds the geometric quality thresholds.
type Gate struct {
	RotationThreshold float64 `json:"rotation_threshold" toml:"rotation_threshold"` // degrees
	PitchThreshold    float64 `json:"pitch_threshold" toml:"pitch_threshold"`       // degrees
	MinMarkers        int     `json:"min_markers" toml:"min_markers"`
}

// Camera is the orientation prior written on every camera before alignment.
type Camera struct {
	Rotation         [3]float64 `json:"rotation" toml:"rotation"` // yaw, pitch, roll
	RotationAccuracy [3]float64 `json:"rotation_accuracy" toml:"rotation_accuracy"`
}

// Catalog selects the control-point layout.
type Catalog struct {
	Layout string `json:"layout" toml:"layout"` // built-in layout name
	Path   string `json:"path" toml:"path"`     // YAML file, overrides Layout
}

// Engine configures the reconstruction engine bridge.
type Engine struct {
	Command         string   `json:"command" toml:"command"`
	Args            []string `json:"args" toml:"args"`
	TimeoutSeconds  int      `json:"timeout_seconds" toml:"timeout_seconds"`
	RequiredVersion string   `json:"required_version" toml:"required_version"`
	NetworkServer   string   `json:"network_server" toml:"network_server"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`         // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultRoot  string `json:"default_root" toml:"default_root"`
	DatabasePath string `json:"database_path" toml:"database_path"`
	ReportDir    string `json:"report_dir" toml:"report_dir"`
}

// Server configures the status API.
type Server struct {
	Addr     string `json:"addr" toml:"addr"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
}

// Watch configures the folder watcher.
type Watch struct {
	SettleSeconds int `json:"settle_seconds" toml:"settle_seconds"`
}

// Preview configures the quick-look JPEG written next to exported rasters.
type Preview struct {
	Enabled bool `json:"enabled" toml:"enabled"`
	Width   uint `json:"width" toml:"width"`
	Quality uint `json:"quality" toml:"quality"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("ORTHOBATCH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads one configuration file over the defaults. A missing file
// yields the defaults. Files ending in .toml are decoded as TOML, anything
// else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(expanded), ".toml") {
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	} else {
		dec := json.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	}

	cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, err
	}
	cfg.Catalog.Path, err = expandUser(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects settings the batch cannot run with. Whether the catalog
// layout exists and holds at least MinMarkers targets is checked when the
// catalog is resolved.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.AlignmentBatchSize < 1 {
		errs = append(errs, fmt.Errorf("processing.alignment_batch_size must be at least 1, got %d", c.Processing.AlignmentBatchSize))
	}
	if c.Processing.Resolution < 0 {
		errs = append(errs, fmt.Errorf("processing.resolution must not be negative, got %g", c.Processing.Resolution))
	}
	if c.Processing.MarkerTolerance < 0 {
		errs = append(errs, fmt.Errorf("processing.marker_tolerance must not be negative, got %d", c.Processing.MarkerTolerance))
	}
	if len(c.Processing.PhotoTypes) == 0 {
		errs = append(errs, errors.New("processing.photo_types must list at least one extension"))
	}
	if c.Gate.RotationThreshold <= 0 {
		errs = append(errs, fmt.Errorf("gate.rotation_threshold must be positive, got %g", c.Gate.RotationThreshold))
	}
	if c.Gate.PitchThreshold <= 0 {
		errs = append(errs, fmt.Errorf("gate.pitch_threshold must be positive, got %g", c.Gate.PitchThreshold))
	}
	if c.Gate.MinMarkers < 1 {
		errs = append(errs, fmt.Errorf("gate.min_markers must be at least 1, got %d", c.Gate.MinMarkers))
	}
	if c.Catalog.Layout == "" && c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.layout or catalog.path is required"))
	}
	if c.Engine.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.timeout_seconds must not be negative, got %d", c.Engine.TimeoutSeconds))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			Resolution:         0,
			MarkerTolerance:    100,
			AlignmentBatchSize: defaultBatchSize,
			PhotoTypes:         []string{"JPG"},
			ProjectExtension:   ".psx",
			OptimizeCameras:    true,
			Match: Match{
				Downscale:             1,
				GenericPreselection:   false,
				ReferencePreselection: true,
				PreselectionMode:      "sequential",
				GuidedMatching:        true,
				KeypointLimit:         40000,
				TiepointLimit:         4000,
			},
		},
		Gate: Gate{
			RotationThreshold: 5.0,
			PitchThreshold:    2.0,
			MinMarkers:        3,
		},
		Camera: Camera{
			Rotation:         [3]float64{0, 0, 0},
			RotationAccuracy: [3]float64{0.01, 0.01, 0.01},
		},
		Catalog: Catalog{
			Layout: "sticks",
		},
		Engine: Engine{
			Command:         "metashape-bridge",
			TimeoutSeconds:  0,
			RequiredVersion: "2.2",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultRoot:  ".",
			DatabasePath: filepath.Join(os.TempDir(), "orthobatch.db"),
			ReportDir:    "./reports",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			SettleSeconds: 30,
		},
		Preview: Preview{
			Enabled: true,
			Width:   1024,
			Quality: 85,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
