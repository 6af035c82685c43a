package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"orthobatch/internal/batch"
	"orthobatch/internal/catalog"
	"orthobatch/internal/config"
	"orthobatch/internal/engine"
	"orthobatch/internal/logging"
	"orthobatch/internal/pipeline"
	"orthobatch/internal/preview"
	"orthobatch/internal/storage"
)

// Version is stamped by the linker.
var Version = "0.1.0-dev"

type engineFactory func(cfg config.Engine, log *slog.Logger) engine.Engine

// Root carries the state shared by every subcommand. Configuration,
// logging and the ledger are set up lazily so that tests can inject them.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	out        io.Writer
	configPath string
	newEngine  engineFactory
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&Root{})
}

func newRootCmd(root *Root) *cobra.Command {
	if root.newEngine == nil {
		root.newEngine = func(cfg config.Engine, log *slog.Logger) engine.Engine {
			return engine.NewCommandEngine(cfg, log)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "orthobatch",
		Short: "Batch orthomosaic production with a geometric quality gate",
		Long: `Orthobatch walks a directory of survey flights, one folder per project,
and drives each through photo alignment, a marker and orientation quality
gate, tilt correction and orthomosaic export. Progress is recorded in a
status file inside every folder so interrupted batches resume cleanly.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
			if root.out == nil {
				root.out = cmd.OutOrStdout()
			}
			return root.setup()
		},
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", "", "configuration file (.json or .toml); defaults to $ORTHOBATCH_CONFIG")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newReorthoCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newReportCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newCatalogCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func (r *Root) setup() error {
	if r.cfg == nil {
		var (
			cfg *config.Config
			err error
		)
		if r.configPath != "" {
			cfg, err = config.LoadFile(r.configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		r.cfg = cfg
	}
	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if r.log == nil {
		logger, err := logging.Setup(r.cfg)
		if err != nil {
			return err
		}
		r.log = logger
	}
	return nil
}

// openStore opens the ledger. An empty database path runs without one.
func (r *Root) openStore() error {
	if r.store != nil || r.cfg.Paths.DatabasePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.Paths.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(r.cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	r.store = store
	return nil
}

func (r *Root) closeStore() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		r.log.Warn("failed to close ledger", "error", err)
	}
	r.store = nil
}

func (r *Root) rootArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return r.cfg.Paths.DefaultRoot
}

func (r *Root) orchestrator() (*batch.Orchestrator, error) {
	cat, err := catalog.Resolve(r.cfg.Catalog.Layout, r.cfg.Catalog.Path, r.cfg.Gate.MinMarkers)
	if err != nil {
		return nil, err
	}
	orch := batch.New(r.newEngine(r.cfg.Engine, r.log), cat, batch.OptionsFromConfig(r.cfg), r.store, r.log)
	if r.cfg.Preview.Enabled {
		orch.Previewer = &preview.Writer{
			Width:   r.cfg.Preview.Width,
			Quality: r.cfg.Preview.Quality,
			Logger:  r.log,
		}
	}
	return orch, nil
}

// startPipeline builds the orchestrator behind a run queue and forwards
// its stage events to the queue's subscribers.
func (r *Root) startPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	orch, err := r.orchestrator()
	if err != nil {
		return nil, err
	}
	p := pipeline.New(ctx, pipeline.NewRouter(r.log, orch), 4, r.log, r.store)
	orch.OnEvent = p.Publish
	return p, nil
}

// enqueueAndWait submits one request and reports its progress until the
// matching result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, p *pipeline.Pipeline, req pipeline.Request) (*pipeline.Result, error) {
	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()

	if err := p.Submit(req); err != nil {
		return nil, err
	}
	r.log.Info("run queued", "kind", req.Kind, "id", req.ID, "root", req.Root)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil, errors.New("pipeline stopped before completion")
			}
			if u.Event != nil && u.Event.RunID == req.ID {
				printEvent(r.out, *u.Event)
			}
			if u.Result != nil && u.Result.Request.ID == req.ID {
				return u.Result, nil
			}
		}
	}
}

func printEvent(w io.Writer, ev batch.Event) {
	line := fmt.Sprintf("%s  %-14s %-18s %s", ev.Time.Local().Format(time.TimeOnly), filepath.Base(ev.Folder), ev.Stage, ev.Status)
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	fmt.Fprintln(w, line)
}
