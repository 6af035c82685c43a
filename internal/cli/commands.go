package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"orthobatch/internal/pipeline"
	"orthobatch/internal/server"
	"orthobatch/internal/watch"
)

func newRunCmd(root *Root) *cobra.Command {
	var adopt bool

	cmd := &cobra.Command{
		Use:   "run [root]",
		Short: "Process every project folder under root",
		Long: `Process each immediate subfolder of root as one project: ingest its photos,
detect and assign markers, align, check orientation, remove tilt and export
the orthomosaic. Folders that already carry a status file are skipped, so
running again only picks up new folders.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("adopt-existing") {
				root.cfg.Processing.AdoptExisting = adopt
			}
			return root.runBatch(cmd.Context(), pipeline.KindRun, root.rootArg(args))
		},
	}
	cmd.Flags().BoolVar(&adopt, "adopt-existing", false, "open project files that have no status file instead of skipping them")
	return cmd
}

func newReorthoCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "reortho [root]",
		Short: "Rebuild and re-export the orthomosaic of every project file under root",
		Long: `Search root recursively for project files and rebuild each orthomosaic
with the configured resolution. Status files are left untouched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runBatch(cmd.Context(), pipeline.KindReortho, root.rootArg(args))
		},
	}
}

func (r *Root) runBatch(ctx context.Context, kind pipeline.Kind, dir string) error {
	if err := r.openStore(); err != nil {
		return err
	}
	defer r.closeStore()

	p, err := r.startPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Stop()

	res, err := r.enqueueAndWait(ctx, p, pipeline.NewRequest(kind, dir))
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, renderOutcomes(res.Summary.Outcomes, shouldColorize(r.out)))
	return res.Error
}

func newWatchCmd(root *Root) *cobra.Command {
	var initial bool

	cmd := &cobra.Command{
		Use:   "watch [root]",
		Short: "Run a batch whenever new photos settle under root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := root.rootArg(args)

			if err := root.openStore(); err != nil {
				return err
			}
			defer root.closeStore()

			p, err := root.startPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Stop()

			go root.logResults(ctx, p)
			if initial {
				if err := p.Submit(pipeline.NewRequest(pipeline.KindRun, dir)); err != nil {
					return err
				}
			}
			return root.watcher(p, dir).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&initial, "initial", true, "run once at startup before waiting for changes")
	return cmd
}

func (r *Root) watcher(p *pipeline.Pipeline, dir string) *watch.Watcher {
	return &watch.Watcher{
		Root:       dir,
		PhotoTypes: r.cfg.Processing.PhotoTypes,
		Settle:     time.Duration(r.cfg.Watch.SettleSeconds) * time.Second,
		Submit: func(root string) error {
			return p.Submit(pipeline.NewRequest(pipeline.KindRun, root))
		},
		Logger: r.log,
	}
}

func (r *Root) logResults(ctx context.Context, p *pipeline.Pipeline) {
	updates, unsubscribe := p.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Result != nil {
				fmt.Fprintln(r.out, renderOutcomes(u.Result.Summary.Outcomes, shouldColorize(r.out)))
			}
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		grpcAddr  string
		watchRoot bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status API",
		Long: `Start an HTTP server that exposes the project ledger, accepts batch runs and
streams progress over server-sent events and WebSocket. A gRPC health service
is served alongside.

Examples:
  # Basic server
  orthobatch serve --addr :8080

  # Server that also watches the default root for new flights
  orthobatch serve --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = root.cfg.Server.Addr
			}
			if !cmd.Flags().Changed("grpc-addr") {
				grpcAddr = root.cfg.Server.GRPCAddr
			}

			if err := root.openStore(); err != nil {
				return err
			}
			defer root.closeStore()

			p, err := root.startPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Stop()

			if watchRoot {
				w := root.watcher(p, root.cfg.Paths.DefaultRoot)
				go func() {
					if err := w.Run(ctx); err != nil {
						root.log.Error("watcher stopped", "error", err)
					}
				}()
			}

			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr, "watch", watchRoot)
			return server.NewServer(addr, grpcAddr, root.cfg.Paths.DefaultRoot, root.store, p, root.log).Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address, empty to disable")
	cmd.Flags().BoolVar(&watchRoot, "watch", false, "watch the default root and run batches as photos arrive")
	return cmd
}
